// Package store persists agents, verification sessions, spot checks, verified
// agent markers and audit entries. Lookups of missing records return nil, nil.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
)

// ErrUnknownAgent is returned when a write targets an agent that does not exist.
var ErrUnknownAgent = errors.New("unknown agent")

// AgentStore holds agent records and the verified-agent markers.
type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error)
	// UpsertAgent creates the agent or updates the profile fields of an
	// existing one. Trust state of an existing agent is left untouched.
	UpsertAgent(ctx context.Context, agent *contracts.Agent) error
	SaveTrustState(ctx context.Context, agentID string, state contracts.TrustState) error
	GetAgentStats(ctx context.Context, agentID string) (*contracts.AgentStats, error)

	SaveVerifiedAgent(ctx context.Context, v *contracts.VerifiedAgent) error
	DeleteVerifiedAgent(ctx context.Context, agentID string) error
	// ListVerifiedAgents pages verified agents in agent ID order, starting
	// after afterID ("" for the first page).
	ListVerifiedAgents(ctx context.Context, afterID string, limit int) ([]*contracts.VerifiedAgent, error)
}

// SessionStore holds verification sessions. Sessions are never deleted.
type SessionStore interface {
	SaveSession(ctx context.Context, s *contracts.VerificationSession) error
	LoadSession(ctx context.Context, sessionID string) (*contracts.VerificationSession, error)
}

// SpotCheckStore holds scheduled and completed spot checks.
type SpotCheckStore interface {
	SaveSpotCheck(ctx context.Context, sc *contracts.SpotCheck) error
	LoadSpotCheck(ctx context.Context, id string) (*contracts.SpotCheck, error)
	// LoadPendingSpotChecks returns the agent's unconsumed checks ordered by ScheduledFor.
	LoadPendingSpotChecks(ctx context.Context, agentID string) ([]*contracts.SpotCheck, error)
}

// AuditSink receives hash-chained audit entries.
type AuditSink interface {
	AppendAuditEntry(ctx context.Context, e *contracts.AuditEntry) error
	// LastAuditEntry returns the entry with the highest sequence, or nil for
	// an empty log. A new writer continues the chain from it.
	LastAuditEntry(ctx context.Context) (*contracts.AuditEntry, error)
}

// AuditReader pages persisted audit entries in sequence order.
type AuditReader interface {
	ListAuditEntries(ctx context.Context, afterSequence uint64, limit int) ([]*contracts.AuditEntry, error)
}

// Store is the full persistence contract of the engine.
type Store interface {
	AgentStore
	SessionStore
	SpotCheckStore
	AuditSink
	AuditReader
}

func statsOf(t contracts.TrustState) *contracts.AgentStats {
	return &contracts.AgentStats{
		SpotChecksPassed:  t.SpotChecksPassed,
		SpotChecksFailed:  t.SpotChecksFailed,
		SpotChecksSkipped: t.SpotChecksSkipped,
	}
}

// clone deep-copies a JSON-serializable record.
func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
