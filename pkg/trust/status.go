package trust

import (
	"time"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/tiers"
)

// Health summarizes an agent's spot-check record.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthFailing  Health = "failing"
	HealthUnknown  Health = "unknown"
)

const (
	// HealthyPassRate is the answered pass rate at or above which an agent is healthy.
	HealthyPassRate = 0.8
	// FailingPassRate is the pass rate below which an agent is failing.
	FailingPassRate = 0.5
)

// HealthOf classifies spot-check stats. Skips do not count either way. An
// agent halfway to revocation is failing whatever its pass rate.
func HealthOf(s contracts.AgentStats) Health {
	answered := s.SpotChecksPassed + s.SpotChecksFailed
	if answered == 0 {
		return HealthUnknown
	}
	rate := float64(s.SpotChecksPassed) / float64(answered)
	switch {
	case rate < FailingPassRate || s.SpotChecksFailed*2 >= tiers.RevocationThreshold:
		return HealthFailing
	case rate < HealthyPassRate:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// AgentTier is the derived tier of one agent.
type AgentTier struct {
	AgentID         string      `json:"agent_id"`
	Verified        bool        `json:"verified"`
	Tier            tiers.Tier  `json:"tier"`
	ConsecutiveDays int         `json:"consecutive_days"`
	NextTier        *tiers.Tier `json:"next_tier,omitempty"`
	// DaysUntilNextTier is 0 at the top tier or when unverified.
	DaysUntilNextTier int `json:"days_until_next_tier"`
}

// TierStatus is the tier block of a VerificationStatus.
type TierStatus struct {
	Current         contracts.TierID `json:"current"`
	Name            string           `json:"name"`
	Numeral         string           `json:"numeral"`
	ConsecutiveDays int              `json:"consecutive_days"`
}

// SpotCheckStats is the spot-check block of a VerificationStatus.
type SpotCheckStats struct {
	Passed                  int        `json:"passed"`
	Failed                  int        `json:"failed"`
	Skipped                 int        `json:"skipped"`
	Total                   int        `json:"total"`
	PassRate                float64    `json:"pass_rate"`
	HealthStatus            Health     `json:"health_status"`
	FailuresUntilRevocation int        `json:"failures_until_revocation"`
	LastSpotCheckAt         *time.Time `json:"last_spot_check_at,omitempty"`
}

// VerificationStatus is always well-formed; unknown agents read as unverified.
type VerificationStatus struct {
	AgentID        string         `json:"agent_id"`
	Verified       bool           `json:"verified"`
	VerifiedAt     *time.Time     `json:"verified_at,omitempty"`
	Tier           TierStatus     `json:"tier"`
	SpotCheckStats SpotCheckStats `json:"spot_check_stats"`
}

func buildAgentTier(agentID string, state contracts.TrustState, now time.Time) *AgentTier {
	d := tiers.Derive(state.AutonomousVerified, state.AutonomousVerifiedAt, state.SpotChecksFailed, now)
	current := tiers.Get(d.Tier)
	out := &AgentTier{
		AgentID:         agentID,
		Verified:        state.AutonomousVerified && !d.Revoke,
		Tier:            *current,
		ConsecutiveDays: d.ConsecutiveDays,
	}
	if !out.Verified {
		return out
	}
	for _, t := range tiers.AllTiers {
		if t.Level == current.Level+1 {
			next := t
			out.NextTier = &next
			out.DaysUntilNextTier = next.MinDays - d.ConsecutiveDays
			break
		}
	}
	return out
}

func buildStatus(agentID string, state contracts.TrustState, now time.Time) *VerificationStatus {
	at := buildAgentTier(agentID, state, now)
	stats := contracts.AgentStats{
		SpotChecksPassed:  state.SpotChecksPassed,
		SpotChecksFailed:  state.SpotChecksFailed,
		SpotChecksSkipped: state.SpotChecksSkipped,
	}

	out := &VerificationStatus{
		AgentID:  agentID,
		Verified: at.Verified,
		Tier: TierStatus{
			Current:         at.Tier.ID,
			Name:            at.Tier.Name,
			Numeral:         at.Tier.Numeral,
			ConsecutiveDays: at.ConsecutiveDays,
		},
		SpotCheckStats: SpotCheckStats{
			Passed:          stats.SpotChecksPassed,
			Failed:          stats.SpotChecksFailed,
			Skipped:         stats.SpotChecksSkipped,
			Total:           stats.SpotChecksPassed + stats.SpotChecksFailed + stats.SpotChecksSkipped,
			HealthStatus:    HealthOf(stats),
			LastSpotCheckAt: state.LastSpotCheckAt,
		},
	}
	if answered := stats.SpotChecksPassed + stats.SpotChecksFailed; answered > 0 {
		out.SpotCheckStats.PassRate = float64(stats.SpotChecksPassed) / float64(answered)
	}
	if out.Verified {
		out.VerifiedAt = state.AutonomousVerifiedAt
		out.SpotCheckStats.FailuresUntilRevocation = tiers.RevocationThreshold - stats.SpotChecksFailed
	}
	return out
}
