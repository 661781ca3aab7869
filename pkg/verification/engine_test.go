package verification

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/audit"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/autonomy"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/challenge"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/trust"
)

const substantive = "I would start by listing what must stay available during the change. " +
	"Then I would stage the rollout in small reversible steps and watch the error budget closely. " +
	"If anything regresses I roll back first and only then look for the root cause."

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// scripted answers each dispatch through fn, counting calls.
type scripted struct {
	mu    sync.Mutex
	calls int
	fn    func(n int, req dispatch.Request) dispatch.Outcome
}

func (s *scripted) Dispatch(_ context.Context, req dispatch.Request) dispatch.Outcome {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.fn(n, req)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ok(int, dispatch.Request) dispatch.Outcome {
	sent := start
	responded := start.Add(900 * time.Millisecond)
	text := substantive
	ms := int64(900)
	return dispatch.Outcome{
		Class: dispatch.ClassOK, Reason: "accepted", HTTPStatus: http.StatusOK,
		SentAt: sent, RespondedAt: &responded, Response: &text, ResponseTimeMs: &ms,
	}
}

func withClass(class dispatch.Class, reason string) func(int, dispatch.Request) dispatch.Outcome {
	return func(int, dispatch.Request) dispatch.Outcome {
		return dispatch.Outcome{Class: class, Reason: reason, SentAt: start}
	}
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	trust  *trust.Manager
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testConfig() Config {
	return Config{Days: 2, ChallengesPerDay: 3, NightChallengesPerDay: 1}
}

func newFixture(t *testing.T, d Dispatcher, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), now: start}
	log := audit.New(f.store)
	f.trust = trust.NewManager(f.store, trust.WithClock(f.clock), trust.WithAudit(log))

	e, err := NewEngine(f.store, d, f.trust, cfg,
		WithClock(f.clock),
		WithAudit(log),
		WithGenerator(challenge.NewGenerator(nil, challenge.WithRand(rand.New(rand.NewSource(7))))),
	)
	require.NoError(t, err)
	f.engine = e

	require.NoError(t, f.store.UpsertAgent(context.Background(), &contracts.Agent{
		ID: "agent-1", Username: "alice", Model: "m1", WebhookURL: "http://agent.invalid/hook",
		Trust: contracts.TrustState{TrustTier: contracts.TierSpawn},
	}))
	return f
}

func TestStartSession(t *testing.T) {
	f := newFixture(t, &scripted{fn: ok}, testConfig())
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, "agent-1", "")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, contracts.SessionInProgress, s.Status)
	assert.Equal(t, 1, s.CurrentDay)
	assert.Equal(t, "http://agent.invalid/hook", s.WebhookURL)
	require.Len(t, s.DailyChallenges, 1)
	assert.Len(t, s.DailyChallenges[0].Challenges, 3)

	stored, err := f.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)

	s2, err := f.engine.StartSession(ctx, "agent-1", "http://other.invalid/hook")
	require.NoError(t, err)
	assert.Equal(t, "http://other.invalid/hook", s2.WebhookURL)

	missing, err := f.engine.StartSession(ctx, "ghost", "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRunSession_Passes(t *testing.T) {
	d := &scripted{fn: ok}
	f := newFixture(t, d, testConfig())
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, "agent-1", "")
	require.NoError(t, err)

	res, err := f.engine.RunSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Passed)
	assert.Equal(t, contracts.SessionPassed, res.Session.Status)
	assert.NotNil(t, res.Session.CompletedAt)
	assert.Equal(t, 2, res.Session.CurrentDay)
	require.Len(t, res.Session.DailyChallenges, 2)
	assert.Equal(t, 6, d.Calls())

	// No template repeats across days.
	seen := map[string]bool{}
	for _, c := range res.Session.Challenges() {
		assert.False(t, seen[c.TemplateID], "template %s reused", c.TemplateID)
		seen[c.TemplateID] = true
		assert.Equal(t, contracts.ChallengePassed, c.Status)
	}
	assert.True(t, res.Session.DailyChallenges[1].Challenges[0].ScheduledFor.After(start.Truncate(24*time.Hour).Add(24*time.Hour)))

	status, err := f.trust.GetVerificationStatus(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, status.Verified)
	assert.Equal(t, contracts.TierSpawn, status.Tier.Current)

	var finalized int
	for _, e := range f.store.AuditEntries() {
		if e.EntryType == contracts.AuditSessionFinalized {
			finalized++
			assert.Equal(t, "passed", e.Action)
		}
	}
	assert.Equal(t, 1, finalized)
}

func TestRunSession_FailingAnswersFail(t *testing.T) {
	f := newFixture(t, &scripted{fn: withClass(dispatch.ClassAgentFault, "response too brief")}, testConfig())
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, "agent-1", "")
	require.NoError(t, err)
	res, err := f.engine.RunSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, contracts.SessionFailed, res.Session.Status)

	a, err := f.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, a.Trust.AutonomousVerified)
}

func TestRunSession_UnreachableAgentFails(t *testing.T) {
	f := newFixture(t, &scripted{fn: withClass(dispatch.ClassTransient, "agent endpoint returned 503")}, testConfig())
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, "agent-1", "")
	require.NoError(t, err)
	res, err := f.engine.RunSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 6, res.Session.Tally().Skipped)
	assert.Equal(t, autonomy.VerdictLikelyHumanDirected, res.Analysis.Verdict)
}

func TestRunSession_MixedResultsAtThreshold(t *testing.T) {
	// 4 passed of 5 answered is a pass ratio of exactly 0.8, which is not
	// strictly greater than the default threshold.
	d := &scripted{fn: func(n int, req dispatch.Request) dispatch.Outcome {
		switch n {
		case 1:
			return withClass(dispatch.ClassAgentFault, "non-answer")(n, req)
		case 2:
			return withClass(dispatch.ClassTransient, "timeout")(n, req)
		}
		return ok(n, req)
	}}
	f := newFixture(t, d, testConfig())
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, "agent-1", "")
	require.NoError(t, err)
	res, err := f.engine.RunSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.Tally{Total: 6, Passed: 4, Failed: 1, Skipped: 1}, res.Session.Tally())
	assert.False(t, res.Passed)
}

func TestRunSession_CustomPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.PassPolicy = "passed >= 1"
	d := &scripted{fn: func(n int, req dispatch.Request) dispatch.Outcome {
		if n == 1 {
			return ok(n, req)
		}
		return withClass(dispatch.ClassAgentFault, "non-answer")(n, req)
	}}
	f := newFixture(t, d, cfg)

	s, err := f.engine.StartSession(context.Background(), "agent-1", "")
	require.NoError(t, err)
	res, err := f.engine.RunSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestNewEngine_RejectsBadPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.PassPolicy = "pass_ratio +"
	_, err := NewEngine(store.NewMemoryStore(), &scripted{fn: ok}, nil, cfg)
	assert.ErrorContains(t, err, "invalid session pass policy")
}

func TestRunSession_TerminalIsNotRedispatched(t *testing.T) {
	d := &scripted{fn: ok}
	f := newFixture(t, d, testConfig())
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, "agent-1", "")
	require.NoError(t, err)
	_, err = f.engine.RunSession(ctx, s.ID)
	require.NoError(t, err)
	calls := d.Calls()

	res, err := f.engine.RunSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, calls, d.Calls())

	assert.ErrorIs(t, f.engine.finalize(ctx, res.Session), ErrSessionTerminal)
}

func TestRunSession_UnknownSession(t *testing.T) {
	f := newFixture(t, &scripted{fn: ok}, testConfig())

	res, err := f.engine.RunSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, res)

	a, err := f.engine.Analyze(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestRunSession_CancelAndResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &scripted{fn: func(n int, req dispatch.Request) dispatch.Outcome {
		if n == 2 {
			cancel()
		}
		return ok(n, req)
	}}
	f := newFixture(t, d, testConfig())

	s, err := f.engine.StartSession(context.Background(), "agent-1", "")
	require.NoError(t, err)

	_, err = f.engine.RunSession(ctx, s.ID)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := f.engine.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionInProgress, stored.Status)
	assert.NotNil(t, stored.RunStartedAt)
	// The second dispatch finished after cancellation, so its outcome is dropped.
	assert.Equal(t, contracts.Tally{Total: 3, Passed: 1, Pending: 2}, stored.Tally())

	res, err := f.engine.RunSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 7, d.Calls())
	assert.Equal(t, 6, res.Session.Tally().Passed)
}

// TestRunSession_CancelDuringDispatch cancels while the agent is still
// answering; the in-flight challenge must stay pending, not become skipped.
func TestRunSession_CancelDuringDispatch(t *testing.T) {
	var blocking atomic.Bool
	blocking.Store(true)
	arrived := make(chan struct{})
	var once sync.Once
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if blocking.Load() {
			once.Do(func() { close(arrived) })
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": substantive})
	}))
	defer agent.Close()

	d, err := dispatch.New(dispatch.WithTimeout(5 * time.Second))
	require.NoError(t, err)
	f := newFixture(t, d, testConfig())

	s, err := f.engine.StartSession(context.Background(), "agent-1", agent.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()
	_, err = f.engine.RunSession(ctx, s.ID)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := f.engine.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.Tally{Total: 3, Pending: 3}, stored.Tally())
	for _, c := range stored.Challenges() {
		assert.Equal(t, contracts.ChallengePending, c.Status)
		assert.Empty(t, c.Reason)
	}

	blocking.Store(false)
	res, err := f.engine.RunSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, contracts.Tally{Total: 6, Passed: 6}, res.Session.Tally())
}

func TestRunSession_ResumeSkipsStaleChallenges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &scripted{fn: func(n int, req dispatch.Request) dispatch.Outcome {
		if n == 1 {
			cancel()
		}
		return ok(n, req)
	}}
	f := newFixture(t, d, testConfig())

	s, err := f.engine.StartSession(context.Background(), "agent-1", "")
	require.NoError(t, err)
	_, err = f.engine.RunSession(ctx, s.ID)
	require.ErrorIs(t, err, context.Canceled)

	f.advance(3 * 24 * time.Hour)
	res, err := f.engine.RunSession(context.Background(), s.ID)
	require.NoError(t, err)

	day1 := res.Session.DailyChallenges[0].Challenges
	assert.Equal(t, contracts.ChallengePassed, day1[0].Status)
	for _, c := range day1[1:] {
		assert.Equal(t, contracts.ChallengeSkipped, c.Status)
		assert.Equal(t, "stale after interrupted run", c.Reason)
	}
	for _, c := range res.Session.DailyChallenges[1].Challenges {
		assert.Equal(t, contracts.ChallengePassed, c.Status)
	}
	// 4 of 6 answered is an uptime of 0.67, passed 4 of 4.
	assert.True(t, res.Passed)
	assert.Equal(t, 4, d.Calls())
}

type failingStore struct {
	*store.MemoryStore
}

func (s failingStore) SaveSession(ctx context.Context, sess *contracts.VerificationSession) error {
	if sess.Status.IsTerminal() {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveSession(ctx, sess)
}

func TestRunSession_PropagatesFinalizeErrors(t *testing.T) {
	st := failingStore{store.NewMemoryStore()}
	require.NoError(t, st.UpsertAgent(context.Background(), &contracts.Agent{ID: "agent-1"}))
	e, err := NewEngine(st, &scripted{fn: ok}, trust.NewManager(st), testConfig())
	require.NoError(t, err)

	s, err := e.StartSession(context.Background(), "agent-1", "http://agent.invalid")
	require.NoError(t, err)
	_, err = e.RunSession(context.Background(), s.ID)
	assert.ErrorContains(t, err, "disk full")

	stored, err := st.LoadSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionInProgress, stored.Status)
}

// TestRunSession_EndToEnd drives a real dispatcher against an httptest agent.
func TestRunSession_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p dispatch.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		prompts = append(prompts, p.Prompt)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": substantive})
	}))
	defer agent.Close()

	d, err := dispatch.New(dispatch.WithTimeout(2 * time.Second))
	require.NoError(t, err)
	f := newFixture(t, d, testConfig())
	ctx := context.Background()

	s, err := f.engine.StartSession(ctx, "agent-1", agent.URL)
	require.NoError(t, err)
	res, err := f.engine.RunSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	mu.Lock()
	assert.Len(t, prompts, 6)
	mu.Unlock()

	// Spot checks go to the endpoint this session verified.
	stored, err := f.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, agent.URL, stored.WebhookURL)

	a, err := f.engine.Analyze(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, res.Analysis.Score, a.Score)
}
