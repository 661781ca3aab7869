// Package spotcheck re-challenges verified agents at a tier-dependent
// interval and feeds the results back into their trust state.
package spotcheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/challenge"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/lock"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/observability"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/tiers"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/trust"
)

// Store is the persistence the spot-check service needs.
type Store interface {
	GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error)
	ListVerifiedAgents(ctx context.Context, afterID string, limit int) ([]*contracts.VerifiedAgent, error)
	store.SpotCheckStore
}

// Dispatcher delivers one challenge.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Outcome
}

// TrustRecorder is the part of the trust manager spot checks drive.
type TrustRecorder interface {
	GetAgentTier(ctx context.Context, agentID string) (*trust.AgentTier, error)
	Refresh(ctx context.Context, agentID string) (*trust.AgentTier, error)
	RecordSpotCheckResult(ctx context.Context, agentID string, passed bool) (*contracts.TrustState, error)
	RecordSpotCheckSkipped(ctx context.Context, agentID string) (*contracts.TrustState, error)
}

// Service schedules and runs spot checks.
type Service struct {
	store      Store
	dispatcher Dispatcher
	trust      TrustRecorder
	generator  *challenge.Generator
	locker     lock.Locker
	obs        *observability.Provider
	clock      func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

func WithGenerator(g *challenge.Generator) Option {
	return func(s *Service) { s.generator = g }
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func NewService(st Store, d Dispatcher, tr TrustRecorder, opts ...Option) *Service {
	s := &Service{
		store:      st,
		dispatcher: d,
		trust:      tr,
		locker:     lock.NewMutexMap(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "spotcheck"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.generator == nil {
		s.generator = challenge.NewGenerator(nil)
	}
	return s
}

// ScheduleSpotCheck creates the agent's next spot check, due one tier
// interval from now. Returns nil when the agent is unknown or not verified.
func (s *Service) ScheduleSpotCheck(ctx context.Context, agentID string) (*contracts.SpotCheck, error) {
	at, err := s.trust.GetAgentTier(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if at == nil || !at.Verified {
		return nil, nil
	}

	due := s.clock().UTC().Add(tiers.SpotCheckInterval(at.Tier.ID))
	sc := &contracts.SpotCheck{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Challenge:    s.generator.GenerateSpotCheck(due),
		ScheduledFor: due,
	}
	if err := s.store.SaveSpotCheck(ctx, sc); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "spot check scheduled",
		"agent_id", agentID, "spot_check_id", sc.ID, "tier", at.Tier.ID, "scheduled_for", due)
	return sc, nil
}

// RunSpotCheck dispatches a spot check and records its result. A check is
// consumed once; running it again returns the recorded result without a
// new dispatch. Unreachable agents are recorded as skipped, which never
// counts against them. Returns nil for an unknown check or when the agent
// is no longer verified.
func (s *Service) RunSpotCheck(ctx context.Context, id string) (sc *contracts.SpotCheck, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "run_spot_check", attribute.String("spot_check_id", id))
	defer func() { done(err) }()

	release, err := s.locker.Acquire(ctx, "spotcheck:"+id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock spot check %s: %w", id, err)
	}
	defer release()

	sc, err = s.store.LoadSpotCheck(ctx, id)
	if err != nil || sc == nil {
		return nil, err
	}
	if sc.Consumed() {
		return sc, nil
	}

	agent, err := s.store.GetAgent(ctx, sc.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil || !agent.Trust.AutonomousVerified {
		return nil, nil
	}

	var out dispatch.Outcome
	if dispatch.ValidWebhookURL(agent.WebhookURL) {
		out = s.dispatcher.Dispatch(ctx, dispatch.Request{
			WebhookURL: agent.WebhookURL,
			Challenge:  sc.Challenge,
			AgentID:    sc.AgentID,
			Kind:       dispatch.KindSpotCheck,
		})
	} else {
		// Nothing was sent, so the agent is not at fault.
		s.logger.WarnContext(ctx, "verified agent has no dispatchable webhook",
			"agent_id", sc.AgentID, "spot_check_id", id)
		out = dispatch.Outcome{Class: dispatch.ClassTransient, Reason: "no dispatchable webhook", SentAt: s.clock().UTC()}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := out.Apply(sc.Challenge); err != nil {
		s.logger.WarnContext(ctx, "spot check outcome not applied", "spot_check_id", id, "error", err)
	}

	now := s.clock().UTC()
	sc.CompletedAt = &now
	status := out.Status()
	if status == contracts.ChallengeSkipped {
		skipped := true
		sc.Skipped = &skipped
	} else {
		passed := status == contracts.ChallengePassed
		sc.Passed = &passed
	}

	// Consume before counting so a retry after a failed trust write cannot
	// count the same check twice.
	if err := s.store.SaveSpotCheck(ctx, sc); err != nil {
		return nil, err
	}
	if sc.Skipped != nil {
		_, err = s.trust.RecordSpotCheckSkipped(ctx, sc.AgentID)
	} else {
		_, err = s.trust.RecordSpotCheckResult(ctx, sc.AgentID, *sc.Passed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record spot check result: %w", err)
	}

	s.logger.InfoContext(ctx, "spot check completed",
		"agent_id", sc.AgentID, "spot_check_id", sc.ID, "status", status, "reason", out.Reason)
	return sc, nil
}
