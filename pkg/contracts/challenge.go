// Package contracts defines the shared data model of the autonomy verification
// engine: challenges, verification sessions, spot checks and agent trust state.
package contracts

import (
	"errors"
	"time"
)

// ErrChallengeResolved is returned when an outcome is applied to a challenge
// that already left the pending state.
var ErrChallengeResolved = errors.New("challenge already resolved")

// ChallengeStatus is the per-challenge lifecycle state.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengePassed  ChallengeStatus = "passed"
	ChallengeFailed  ChallengeStatus = "failed"
	ChallengeSkipped ChallengeStatus = "skipped"
)

// IsTerminal reports whether the status is one of passed, failed or skipped.
func (s ChallengeStatus) IsTerminal() bool {
	return s == ChallengePassed || s == ChallengeFailed || s == ChallengeSkipped
}

// Challenge is a single free-form reasoning prompt sent to an agent webhook.
type Challenge struct {
	ID               string          `json:"id"`
	TemplateID       string          `json:"template_id"`
	Category         string          `json:"category"`
	Subcategory      string          `json:"subcategory"`
	Prompt           string          `json:"prompt"`
	ScheduledFor     time.Time       `json:"scheduled_for"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	RespondedAt      *time.Time      `json:"responded_at,omitempty"`
	Response         *string         `json:"response,omitempty"`
	Status           ChallengeStatus `json:"status"`
	ResponseTimeMs   *int64          `json:"response_time_ms,omitempty"`
	IsNightChallenge bool            `json:"is_night_challenge"`
	Reason           string          `json:"reason,omitempty"`
}

// Resolution carries the fields set by the single outcome mutation.
type Resolution struct {
	Status         ChallengeStatus
	Reason         string
	SentAt         *time.Time
	RespondedAt    *time.Time
	Response       *string
	ResponseTimeMs *int64
}

// Resolve moves a pending challenge to a terminal status. It may be called
// exactly once; later calls return ErrChallengeResolved and leave the record untouched.
func (c *Challenge) Resolve(r Resolution) error {
	if c.Status != ChallengePending && c.Status != "" {
		return ErrChallengeResolved
	}
	if !r.Status.IsTerminal() {
		return errors.New("resolution status must be terminal")
	}
	c.Status = r.Status
	c.Reason = r.Reason
	c.SentAt = r.SentAt
	c.RespondedAt = r.RespondedAt
	c.Response = r.Response
	c.ResponseTimeMs = r.ResponseTimeMs
	return nil
}

// DailyChallengeSet groups the challenges of one verification day.
type DailyChallengeSet struct {
	Day            int          `json:"day"`
	Challenges     []*Challenge `json:"challenges"`
	ScheduledTimes []time.Time  `json:"scheduled_times"`
}

// Resolved reports whether every challenge of the day reached a terminal status.
func (d *DailyChallengeSet) Resolved() bool {
	for _, c := range d.Challenges {
		if !c.Status.IsTerminal() {
			return false
		}
	}
	return true
}
