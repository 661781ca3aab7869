// Package verification runs the multi-day verification session state machine:
// pending → in_progress → {passed, failed}.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/audit"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/autonomy"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/challenge"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/lock"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/observability"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/policy"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
)

// ErrSessionTerminal is returned when a finished session would be finalized again.
var ErrSessionTerminal = errors.New("session already finalized")

const (
	DefaultDays                  = 3
	DefaultChallengesPerDay      = 5
	DefaultNightChallengesPerDay = 1
	DefaultPacing                = 2 * time.Second
	// DefaultStaleAfter is how long past its nominal time a pending challenge
	// of an abandoned run may be before a resumed run skips it.
	DefaultStaleAfter = 24 * time.Hour
)

// Config is the verification protocol.
type Config struct {
	Days                  int
	ChallengesPerDay      int
	NightChallengesPerDay int
	// Pacing is the pause between consecutive dispatches of a run.
	Pacing     time.Duration
	PassPolicy string
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Days:                  DefaultDays,
		ChallengesPerDay:      DefaultChallengesPerDay,
		NightChallengesPerDay: DefaultNightChallengesPerDay,
		Pacing:                DefaultPacing,
		PassPolicy:            policy.DefaultSessionPolicy,
		StaleAfter:            DefaultStaleAfter,
	}
}

// Store is the persistence the engine needs.
type Store interface {
	GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error)
	store.SessionStore
}

// Dispatcher delivers one challenge.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Outcome
}

// Verifier is told about passed sessions and the endpoint they verified.
type Verifier interface {
	MarkVerified(ctx context.Context, agentID, sessionID, webhookURL string) (bool, error)
}

// RunResult is the outcome of RunSession.
type RunResult struct {
	Session  *contracts.VerificationSession `json:"session"`
	Passed   bool                           `json:"passed"`
	Analysis autonomy.Analysis              `json:"analysis"`
}

// Engine is the Verification Session State Machine.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	verifier   Verifier
	generator  *challenge.Generator
	policy     *policy.Evaluator
	locker     lock.Locker
	audit      audit.Recorder
	obs        *observability.Provider
	cfg        Config
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

type Option func(*Engine)

func WithGenerator(g *challenge.Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithLocker replaces the in-process per-session run lock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithAudit(r audit.Recorder) Option {
	return func(e *Engine) { e.audit = r }
}

func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an engine. The pass policy is compiled up front so a bad
// expression fails at startup rather than at the end of a three-day run.
func NewEngine(st Store, d Dispatcher, v Verifier, cfg Config, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.Days < 1 {
		cfg.Days = def.Days
	}
	if cfg.ChallengesPerDay < challenge.MinChallengesPerDay {
		cfg.ChallengesPerDay = challenge.MinChallengesPerDay
	}
	if cfg.NightChallengesPerDay < 1 {
		cfg.NightChallengesPerDay = def.NightChallengesPerDay
	}
	if cfg.PassPolicy == "" {
		cfg.PassPolicy = def.PassPolicy
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	e := &Engine{
		store:      st,
		dispatcher: d,
		verifier:   v,
		locker:     lock.NewMutexMap(),
		cfg:        cfg,
		clock:      time.Now,
		sleep:      sleepContext,
		logger:     slog.Default().With("component", "verification"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.generator == nil {
		e.generator = challenge.NewGenerator(nil)
	}

	ev, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if err := ev.Compile(cfg.PassPolicy); err != nil {
		return nil, fmt.Errorf("invalid session pass policy: %w", err)
	}
	e.policy = ev
	return e, nil
}

// StartSession creates an in_progress session with day 1 scheduled. An empty
// webhookURL falls back to the agent's registered one. Returns nil for an
// unknown agent.
func (e *Engine) StartSession(ctx context.Context, agentID, webhookURL string) (*contracts.VerificationSession, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, nil
	}
	if webhookURL == "" {
		webhookURL = agent.WebhookURL
	}

	now := e.clock().UTC()
	day1, err := e.generateDay(1, now, nil)
	if err != nil {
		return nil, err
	}

	s := &contracts.VerificationSession{
		ID:              uuid.New().String(),
		AgentID:         agentID,
		WebhookURL:      webhookURL,
		Status:          contracts.SessionInProgress,
		CurrentDay:      1,
		StartedAt:       now,
		DailyChallenges: []*contracts.DailyChallengeSet{day1},
	}
	if err := e.store.SaveSession(ctx, s); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "verification session started",
		"agent_id", agentID, "session_id", s.ID, "days", e.cfg.Days, "challenges_per_day", e.cfg.ChallengesPerDay)
	return s, nil
}

func (e *Engine) generateDay(day int, start time.Time, used map[string]bool) (*contracts.DailyChallengeSet, error) {
	return e.generator.GenerateDay(challenge.DayRequest{
		Day:        day,
		Count:      e.cfg.ChallengesPerDay,
		NightCount: e.cfg.NightChallengesPerDay,
		DayStart:   start,
		Used:       used,
	})
}

// RunSession dispatches every remaining challenge of the session, day by
// day, then finalizes it. A finished session returns its stored result
// without dispatching. Cancelling ctx stops the run and leaves every
// unresolved challenge, including one in flight, pending for a later
// RunSession. Returns nil for an
// unknown session.
func (e *Engine) RunSession(ctx context.Context, sessionID string) (res *RunResult, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "run_session", attribute.String("session_id", sessionID))
	defer func() { done(err) }()

	release, err := e.locker.Acquire(ctx, "session:"+sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer release()

	s, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if s.Status.IsTerminal() {
		return e.result(s), nil
	}

	now := e.clock().UTC()
	if s.RunStartedAt != nil {
		if n := e.skipStale(s, now); n > 0 {
			e.logger.WarnContext(ctx, "resumed run skipped stale challenges", "session_id", s.ID, "skipped", n)
		}
	} else {
		s.RunStartedAt = &now
	}
	if err := e.store.SaveSession(ctx, s); err != nil {
		return nil, err
	}

	dispatched := 0
	for day := 1; day <= e.cfg.Days; day++ {
		if len(s.DailyChallenges) < day {
			set, err := e.generateDay(day, s.StartedAt.Add(time.Duration(day-1)*24*time.Hour), s.UsedTemplates())
			if err != nil {
				return nil, err
			}
			s.DailyChallenges = append(s.DailyChallenges, set)
		}
		if s.CurrentDay < day {
			s.CurrentDay = day
			if err := e.store.SaveSession(ctx, s); err != nil {
				return nil, err
			}
		}

		for _, c := range s.DailyChallenges[day-1].Challenges {
			if c.Status.IsTerminal() {
				continue
			}
			if dispatched > 0 {
				if err := e.sleep(ctx, e.cfg.Pacing); err != nil {
					return nil, err
				}
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			out := e.dispatcher.Dispatch(ctx, dispatch.Request{
				WebhookURL: s.WebhookURL,
				Challenge:  c,
				SessionID:  s.ID,
				AgentID:    s.AgentID,
				Kind:       dispatch.KindSession,
			})
			dispatched++
			// An outcome caused by our own cancellation says nothing about the
			// agent; the challenge stays pending for the resumed run.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := out.Apply(c); err != nil {
				e.logger.WarnContext(ctx, "challenge outcome not applied", "session_id", s.ID, "challenge_id", c.ID, "error", err)
			}
			if err := e.store.SaveSession(ctx, s); err != nil {
				return nil, err
			}
		}
	}

	if err := e.finalize(ctx, s); err != nil {
		return nil, err
	}
	return e.result(s), nil
}

// skipStale resolves pending challenges whose nominal time is further in the
// past than StaleAfter.
func (e *Engine) skipStale(s *contracts.VerificationSession, now time.Time) int {
	n := 0
	for _, c := range s.Challenges() {
		if c.Status.IsTerminal() || !c.ScheduledFor.Add(e.cfg.StaleAfter).Before(now) {
			continue
		}
		if err := c.Resolve(contracts.Resolution{Status: contracts.ChallengeSkipped, Reason: "stale after interrupted run"}); err == nil {
			n++
		}
	}
	return n
}

// finalize applies the pass policy once every challenge is terminal. On pass
// the agent is marked verified before the session is stored as passed, so a
// failed trust write leaves the session resumable.
func (e *Engine) finalize(ctx context.Context, s *contracts.VerificationSession) error {
	if s.Status.IsTerminal() {
		return ErrSessionTerminal
	}
	tally := s.Tally()
	if tally.Pending > 0 {
		return fmt.Errorf("session %s has %d pending challenges", s.ID, tally.Pending)
	}

	in := policy.InputFromTally(tally)
	passed, err := e.policy.Evaluate(e.cfg.PassPolicy, in)
	if err != nil {
		return fmt.Errorf("failed to evaluate pass policy: %w", err)
	}

	if passed {
		ok, err := e.verifier.MarkVerified(ctx, s.AgentID, s.ID, s.WebhookURL)
		if err != nil {
			return fmt.Errorf("failed to mark agent verified: %w", err)
		}
		if !ok {
			e.logger.WarnContext(ctx, "passed session for unknown agent", "agent_id", s.AgentID, "session_id", s.ID)
		}
	}

	now := e.clock().UTC()
	s.CompletedAt = &now
	s.Status = contracts.SessionFailed
	if passed {
		s.Status = contracts.SessionPassed
	}
	if err := e.store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("failed to save finalized session: %w", err)
	}

	analysis := autonomy.Analyze(s)
	e.obs.RecordVerification(ctx, passed, analysis.Score)
	if e.audit != nil {
		e.audit.Record(ctx, contracts.AuditSessionFinalized, s.AgentID, string(s.Status), map[string]any{
			"session_id": s.ID,
			"tally":      tally,
			"pass_ratio": in.PassRatio,
			"uptime":     in.Uptime,
			"score":      analysis.Score,
			"verdict":    analysis.Verdict,
		})
	}
	e.logger.InfoContext(ctx, "verification session finalized",
		"agent_id", s.AgentID,
		"session_id", s.ID,
		"status", s.Status,
		"passed", tally.Passed,
		"failed", tally.Failed,
		"skipped", tally.Skipped,
		"autonomy_score", analysis.Score,
		"verdict", analysis.Verdict,
	)
	return nil
}

func (e *Engine) result(s *contracts.VerificationSession) *RunResult {
	return &RunResult{
		Session:  s,
		Passed:   s.Status == contracts.SessionPassed,
		Analysis: autonomy.Analyze(s),
	}
}

// GetSession returns a stored session, or nil.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*contracts.VerificationSession, error) {
	return e.store.LoadSession(ctx, sessionID)
}

// Analyze computes the autonomy analysis of a session, finished or still
// running. Returns nil for an unknown session.
func (e *Engine) Analyze(ctx context.Context, sessionID string) (*autonomy.Analysis, error) {
	s, err := e.store.LoadSession(ctx, sessionID)
	if err != nil || s == nil {
		return nil, err
	}
	a := autonomy.Analyze(s)
	return &a, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
