// Package trust owns every write to an agent's trust state. Each
// read-derive-write sequence runs under the agent's lock, so concurrent spot
// checks and refreshes for one agent cannot lose updates.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/audit"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/lock"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/observability"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/tiers"
)

// ReasonSpotCheckFailures is the revocation reason recorded when the
// failure threshold is reached.
const ReasonSpotCheckFailures = "spot_check_failures"

// Manager is the Trust Tier Manager.
type Manager struct {
	store  store.AgentStore
	locker lock.Locker
	audit  audit.Recorder
	obs    *observability.Provider
	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

// WithLocker replaces the in-process per-agent lock, e.g. with a Redis lock
// when several engine processes share a store.
func WithLocker(l lock.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

func WithAudit(r audit.Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

func WithObservability(p *observability.Provider) Option {
	return func(m *Manager) { m.obs = p }
}

// WithClock sets the time source for tier derivation.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func NewManager(st store.AgentStore, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		locker: lock.NewMutexMap(),
		clock:  time.Now,
		logger: slog.Default().With("component", "trust"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now is the manager's clock.
func (m *Manager) Now() time.Time { return m.clock().UTC() }

// withAgent loads the agent under its lock and runs fn. fn is not called
// for unknown agents.
func (m *Manager) withAgent(ctx context.Context, agentID string, fn func(a *contracts.Agent) error) (bool, error) {
	release, err := m.locker.Acquire(ctx, "agent:"+agentID)
	if err != nil {
		return false, fmt.Errorf("failed to lock agent %s: %w", agentID, err)
	}
	defer release()

	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, nil
	}
	return true, fn(a)
}

// MarkVerified records a passed verification session. The tier starts at
// spawn and spot-check counters reset. A non-empty webhookURL is the endpoint
// the session verified; it becomes the agent's webhook so spot checks reach
// the same endpoint. Returns false for an unknown agent.
func (m *Manager) MarkVerified(ctx context.Context, agentID, sessionID, webhookURL string) (bool, error) {
	return m.withAgent(ctx, agentID, func(a *contracts.Agent) error {
		if webhookURL != "" && webhookURL != a.WebhookURL {
			profile := *a
			profile.WebhookURL = webhookURL
			if err := m.store.UpsertAgent(ctx, &profile); err != nil {
				return err
			}
			m.logger.InfoContext(ctx, "agent webhook updated from verified session",
				"agent_id", agentID, "session_id", sessionID)
		}

		now := m.Now()
		prev := a.Trust.TrustTier
		state := contracts.TrustState{
			AutonomousVerified:   true,
			AutonomousVerifiedAt: &now,
		}
		tiers.Apply(&state, now)

		if err := m.store.SaveTrustState(ctx, agentID, state); err != nil {
			return err
		}
		if err := m.store.SaveVerifiedAgent(ctx, &contracts.VerifiedAgent{
			AgentID:    agentID,
			Username:   a.Username,
			Model:      a.Model,
			SessionID:  sessionID,
			VerifiedAt: now,
		}); err != nil {
			return err
		}

		m.logger.InfoContext(ctx, "agent verified", "agent_id", agentID, "session_id", sessionID)
		m.recordTierChange(ctx, agentID, prev, state.TrustTier, "verified")
		return nil
	})
}

// RecordSpotCheckResult counts a passed or failed spot check and re-derives
// the tier, revoking verification at the failure threshold. It returns the
// new state, or nil when the agent is unknown or not verified.
func (m *Manager) RecordSpotCheckResult(ctx context.Context, agentID string, passed bool) (*contracts.TrustState, error) {
	var out *contracts.TrustState
	_, err := m.withAgent(ctx, agentID, func(a *contracts.Agent) error {
		if !a.Trust.AutonomousVerified {
			return nil
		}
		now := m.Now()
		state := a.Trust
		if passed {
			state.SpotChecksPassed++
		} else {
			state.SpotChecksFailed++
		}
		state.LastSpotCheckAt = &now

		if err := m.saveDerived(ctx, agentID, a.Trust.TrustTier, &state, now); err != nil {
			return err
		}
		out = &state
		return nil
	})
	return out, err
}

// RecordSpotCheckSkipped counts a spot check the agent could not be reached
// for. Skips never affect the tier. Returns nil for unknown or unverified agents.
func (m *Manager) RecordSpotCheckSkipped(ctx context.Context, agentID string) (*contracts.TrustState, error) {
	var out *contracts.TrustState
	_, err := m.withAgent(ctx, agentID, func(a *contracts.Agent) error {
		if !a.Trust.AutonomousVerified {
			return nil
		}
		now := m.Now()
		state := a.Trust
		state.SpotChecksSkipped++
		state.LastSpotCheckAt = &now

		if err := m.saveDerived(ctx, agentID, a.Trust.TrustTier, &state, now); err != nil {
			return err
		}
		out = &state
		return nil
	})
	return out, err
}

// Refresh re-derives the stored tier from elapsed time. It writes only
// when the tier changed. Returns nil for an unknown agent.
func (m *Manager) Refresh(ctx context.Context, agentID string) (*AgentTier, error) {
	var out *AgentTier
	_, err := m.withAgent(ctx, agentID, func(a *contracts.Agent) error {
		now := m.Now()
		state := a.Trust
		tiers.Apply(&state, now)
		if state != a.Trust {
			if err := m.saveDerived(ctx, agentID, a.Trust.TrustTier, &state, now); err != nil {
				return err
			}
		}
		out = buildAgentTier(agentID, state, now)
		return nil
	})
	return out, err
}

// saveDerived applies the tier rule to state, persists it and handles a
// resulting revocation.
func (m *Manager) saveDerived(ctx context.Context, agentID string, prev contracts.TierID, state *contracts.TrustState, now time.Time) error {
	revoked := tiers.Apply(state, now)
	if err := m.store.SaveTrustState(ctx, agentID, *state); err != nil {
		return err
	}
	if revoked {
		if err := m.store.DeleteVerifiedAgent(ctx, agentID); err != nil {
			return err
		}
		m.recordRevocation(ctx, agentID, ReasonSpotCheckFailures, state)
	}
	m.recordTierChange(ctx, agentID, prev, state.TrustTier, "derived")
	return nil
}

// RevokeVerification clears an agent's verification. It returns false,
// without touching anything, when the agent is unknown or not verified.
func (m *Manager) RevokeVerification(ctx context.Context, agentID, reason string) (bool, error) {
	revoked := false
	_, err := m.withAgent(ctx, agentID, func(a *contracts.Agent) error {
		if !a.Trust.AutonomousVerified {
			return nil
		}
		prev := a.Trust.TrustTier
		state := a.Trust
		state.AutonomousVerified = false
		tiers.Apply(&state, m.Now())

		if err := m.store.SaveTrustState(ctx, agentID, state); err != nil {
			return err
		}
		if err := m.store.DeleteVerifiedAgent(ctx, agentID); err != nil {
			return err
		}
		m.recordRevocation(ctx, agentID, reason, &state)
		m.recordTierChange(ctx, agentID, prev, state.TrustTier, "revoked")
		revoked = true
		return nil
	})
	return revoked, err
}

// GetAgentTier derives the agent's current tier without writing. Returns
// nil for an unknown agent.
func (m *Manager) GetAgentTier(ctx context.Context, agentID string) (*AgentTier, error) {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return nil, err
	}
	return buildAgentTier(agentID, a.Trust, m.Now()), nil
}

// GetVerificationStatus reports verification, tier and spot-check health.
// Unknown agents yield an unverified status rather than an error.
func (m *Manager) GetVerificationStatus(ctx context.Context, agentID string) (*VerificationStatus, error) {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var state contracts.TrustState
	if a != nil {
		state = a.Trust
	}
	return buildStatus(agentID, state, m.Now()), nil
}

func (m *Manager) recordTierChange(ctx context.Context, agentID string, from, to contracts.TierID, cause string) {
	if from == to {
		return
	}
	m.logger.InfoContext(ctx, "trust tier changed", "agent_id", agentID, "from", from, "to", to, "cause", cause)
	if m.audit != nil {
		m.audit.Record(ctx, contracts.AuditTierChanged, agentID, string(to), map[string]string{
			"from":  string(from),
			"to":    string(to),
			"cause": cause,
		})
	}
}

func (m *Manager) recordRevocation(ctx context.Context, agentID, reason string, state *contracts.TrustState) {
	m.logger.WarnContext(ctx, "verification revoked",
		"agent_id", agentID, "reason", reason, "spot_checks_failed", state.SpotChecksFailed)
	m.obs.RecordRevocation(ctx, reason)
	if m.audit != nil {
		m.audit.Record(ctx, contracts.AuditVerificationRevoked, agentID, "revoked", map[string]any{
			"reason":             reason,
			"spot_checks_failed": state.SpotChecksFailed,
			"spot_checks_passed": state.SpotChecksPassed,
		})
	}
}
