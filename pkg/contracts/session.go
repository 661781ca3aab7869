package contracts

import "time"

// SessionStatus is the verification session lifecycle state.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionPassed     SessionStatus = "passed"
	SessionFailed     SessionStatus = "failed"
)

// IsTerminal reports whether the session reached passed or failed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionPassed || s == SessionFailed
}

// VerificationSession is one multi-day verification attempt. Sessions are
// retained as an audit trail after they finish and are never deleted.
type VerificationSession struct {
	ID              string               `json:"id"`
	AgentID         string               `json:"agent_id"`
	WebhookURL      string               `json:"webhook_url"`
	Status          SessionStatus        `json:"status"`
	CurrentDay      int                  `json:"current_day"`
	StartedAt       time.Time            `json:"started_at"`
	RunStartedAt    *time.Time           `json:"run_started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	DailyChallenges []*DailyChallengeSet `json:"daily_challenges"`
}

// Challenges returns every challenge of the session in day order.
func (s *VerificationSession) Challenges() []*Challenge {
	var out []*Challenge
	for _, day := range s.DailyChallenges {
		out = append(out, day.Challenges...)
	}
	return out
}

// UsedTemplates returns the set of template IDs already issued in the session.
func (s *VerificationSession) UsedTemplates() map[string]bool {
	used := make(map[string]bool)
	for _, c := range s.Challenges() {
		used[c.TemplateID] = true
	}
	return used
}

// Tally counts challenges by status.
type Tally struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Answered is the number of challenges the agent responded to (passed + failed).
func (t Tally) Answered() int { return t.Passed + t.Failed }

// Tally counts the session's challenges by status.
func (s *VerificationSession) Tally() Tally {
	var t Tally
	for _, c := range s.Challenges() {
		t.Total++
		switch c.Status {
		case ChallengePassed:
			t.Passed++
		case ChallengeFailed:
			t.Failed++
		case ChallengeSkipped:
			t.Skipped++
		default:
			t.Pending++
		}
	}
	return t
}

// SpotCheck is a single follow-up challenge for an already verified agent.
// It is created by the scheduler and consumed exactly once by the runner.
type SpotCheck struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agent_id"`
	Challenge    *Challenge `json:"challenge"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Passed       *bool      `json:"passed,omitempty"`
	Skipped      *bool      `json:"skipped,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Consumed reports whether the runner already recorded a result.
func (s *SpotCheck) Consumed() bool {
	return s.Passed != nil || s.Skipped != nil
}
