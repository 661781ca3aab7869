package dispatch

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
)

// Class is the failure taxonomy of a dispatch.
type Class string

const (
	// ClassOK: the agent answered and the answer was accepted.
	ClassOK Class = "ok"
	// ClassTransient: timeout, refused connection, 5xx or an open breaker.
	// Never counted against the agent.
	ClassTransient Class = "transient"
	// ClassAgentFault: 4xx, empty, malformed or low-quality response.
	ClassAgentFault Class = "agent_fault"
	// ClassUnclassified: any other error, conservatively failed.
	ClassUnclassified Class = "unclassified"
)

// Status maps the class onto the challenge status it produces.
func (c Class) Status() contracts.ChallengeStatus {
	switch c {
	case ClassOK:
		return contracts.ChallengePassed
	case ClassTransient:
		return contracts.ChallengeSkipped
	default:
		return contracts.ChallengeFailed
	}
}

// Outcome is the result of one dispatch. Dispatch never returns an error;
// every failure is expressed as an Outcome.
type Outcome struct {
	Class          Class      `json:"class"`
	Reason         string     `json:"reason"`
	HTTPStatus     int        `json:"http_status,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	Response       *string    `json:"response,omitempty"`
	ResponseTimeMs *int64     `json:"response_time_ms,omitempty"`
}

// Status is the challenge status this outcome resolves to.
func (o Outcome) Status() contracts.ChallengeStatus {
	return o.Class.Status()
}

// Apply resolves the challenge with this outcome. Response data is only
// recorded for passed and failed outcomes; a skipped challenge keeps just
// its send time.
func (o Outcome) Apply(c *contracts.Challenge) error {
	sentAt := o.SentAt
	r := contracts.Resolution{
		Status: o.Status(),
		Reason: o.Reason,
		SentAt: &sentAt,
	}
	if o.Class != ClassTransient {
		r.RespondedAt = o.RespondedAt
		r.Response = o.Response
	}
	if o.Class == ClassOK {
		r.ResponseTimeMs = o.ResponseTimeMs
	}
	return c.Resolve(r)
}

func transient(reason string, sentAt time.Time) Outcome {
	return Outcome{Class: ClassTransient, Reason: reason, SentAt: sentAt}
}

// classifyError sorts a transport error into transient or unclassified.
func classifyError(err error) (Class, string) {
	// *url.Error satisfies net.Error itself; classify what it wraps.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient, "timeout"
	case errors.Is(err, context.Canceled):
		return ClassTransient, "aborted"
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassTransient, "connection refused"
	case errors.Is(err, syscall.ECONNRESET):
		return ClassTransient, "connection reset"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTransient, "timeout"
		}
		return ClassTransient, "network error"
	}
	return ClassUnclassified, "dispatch error: " + err.Error()
}
