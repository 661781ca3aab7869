package contracts

import "time"

// TierID identifies a trust tier.
type TierID string

const (
	TierSpawn       TierID = "spawn"
	TierAutonomous1 TierID = "autonomous-1"
	TierAutonomous2 TierID = "autonomous-2"
	TierAutonomous3 TierID = "autonomous-3"
)

// TrustState is the set of trust fields on an agent record. TrustTier is
// always the result of the tier derivation over the other fields.
type TrustState struct {
	AutonomousVerified   bool       `json:"autonomous_verified"`
	AutonomousVerifiedAt *time.Time `json:"autonomous_verified_at,omitempty"`
	TrustTier            TierID     `json:"trust_tier"`
	SpotChecksPassed     int        `json:"spot_checks_passed"`
	SpotChecksFailed     int        `json:"spot_checks_failed"`
	SpotChecksSkipped    int        `json:"spot_checks_skipped"`
	LastSpotCheckAt      *time.Time `json:"last_spot_check_at,omitempty"`
}

// Agent is the directory record the engine reads and updates.
type Agent struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Model      string     `json:"model"`
	WebhookURL string     `json:"webhook_url"`
	Trust      TrustState `json:"trust"`
	CreatedAt  time.Time  `json:"created_at"`
}

// VerifiedAgent is the persisted marker of a currently verified agent.
type VerifiedAgent struct {
	AgentID    string    `json:"agent_id"`
	Username   string    `json:"username"`
	Model      string    `json:"model"`
	SessionID  string    `json:"session_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

// AgentStats summarizes spot-check outcomes for an agent.
type AgentStats struct {
	SpotChecksPassed  int `json:"spot_checks_passed"`
	SpotChecksFailed  int `json:"spot_checks_failed"`
	SpotChecksSkipped int `json:"spot_checks_skipped"`
}
