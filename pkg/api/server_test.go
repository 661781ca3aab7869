package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/spotcheck"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/trust"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/verification"
)

const substantive = "I would start by listing what must stay available during the change. " +
	"Then I would stage the rollout in small reversible steps and watch the error budget closely. " +
	"If anything regresses I roll back first and only then look for the root cause."

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"response": substantive})
	}))
	t.Cleanup(agent.Close)

	st := store.NewMemoryStore()
	d, err := dispatch.New(dispatch.WithTimeout(2 * time.Second))
	require.NoError(t, err)
	tm := trust.NewManager(st)
	engine, err := verification.NewEngine(st, d, tm, verification.Config{Days: 1, ChallengesPerDay: 3})
	require.NoError(t, err)
	sc := spotcheck.NewService(st, d, tm)

	s := NewServer(Deps{
		Agents:    st,
		Engine:    engine,
		Trust:     tm,
		SpotCheck: sc,
		Sweeper:   spotcheck.NewSweeper(sc, 10, 2),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	require.NoError(t, st.UpsertAgent(context.Background(), &contracts.Agent{
		ID: "agent-1", Username: "alice", WebhookURL: agent.URL,
		Trust: contracts.TrustState{TrustTier: contracts.TierSpawn},
	}))
	return &testEnv{srv: srv, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestVerificationFlow(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/v1/sessions", StartSessionRequest{AgentID: "agent-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var session contracts.VerificationSession
	require.NoError(t, json.Unmarshal(body, &session))
	assert.Equal(t, contracts.SessionInProgress, session.Status)

	resp, body = e.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res verification.RunResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Passed)
	assert.Equal(t, contracts.SessionPassed, res.Session.Status)

	resp, body = e.do(t, http.MethodGet, "/v1/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"passed"`)

	resp, body = e.do(t, http.MethodGet, "/v1/sessions/"+session.ID+"/analysis", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"verdict"`)

	resp, body = e.do(t, http.MethodGet, "/v1/agents/agent-1/verification", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status trust.VerificationStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Verified)
	assert.Equal(t, contracts.TierSpawn, status.Tier.Current)

	resp, body = e.do(t, http.MethodGet, "/v1/agents/agent-1/tier", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"next_tier"`)

	resp, body = e.do(t, http.MethodPost, "/v1/agents/agent-1/spot-checks", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sc contracts.SpotCheck
	require.NoError(t, json.Unmarshal(body, &sc))

	resp, body = e.do(t, http.MethodPost, "/v1/spot-checks/"+sc.ID+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"passed":true`)

	resp, body = e.do(t, http.MethodPost, "/v1/spot-checks/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report spotcheck.SweepReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Agents)
	assert.Equal(t, 1, report.Scheduled)

	resp, body = e.do(t, http.MethodPost, "/v1/agents/agent-1/revoke", RevokeRequest{Reason: "operator request"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"revoked":true}`, string(body))

	resp, body = e.do(t, http.MethodPost, "/v1/agents/agent-1/revoke", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"revoked":false}`, string(body))

	resp, _ = e.do(t, http.MethodPost, "/v1/agents/agent-1/spot-checks", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownAgentStatusIsUnverified(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/v1/agents/ghost/verification", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, false, got["verified"])
}

func TestNotFound(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/v1/agents/ghost/tier", nil},
		{http.MethodPost, "/v1/agents/ghost/spot-checks", nil},
		{http.MethodPost, "/v1/sessions", StartSessionRequest{AgentID: "ghost"}},
		{http.MethodGet, "/v1/sessions/missing", nil},
		{http.MethodPost, "/v1/sessions/missing/run", nil},
		{http.MethodGet, "/v1/sessions/missing/analysis", nil},
		{http.MethodPost, "/v1/spot-checks/missing/run", nil},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, body := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

			var problem ProblemDetail
			require.NoError(t, json.Unmarshal(body, &problem))
			assert.Equal(t, http.StatusNotFound, problem.Status)
			assert.Equal(t, tt.path, problem.Instance)
			assert.Equal(t, resp.Header.Get(RequestIDHeader), problem.TraceID)
		})
	}
}

func TestRegisterAgent(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/v1/agents", RegisterAgentRequest{
		ID: "agent-2", Username: "bob", Model: "m2", WebhookURL: "https://bob.example/hook",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var a contracts.Agent
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, "bob", a.Username)
	assert.Equal(t, contracts.TierSpawn, a.Trust.TrustTier)

	bad := []RegisterAgentRequest{
		{Username: "no-id"},
		{ID: "agent-3", WebhookURL: "ftp://x"},
		{ID: "agent-3", WebhookURL: "/relative"},
	}
	for _, req := range bad {
		resp, _ := e.do(t, http.MethodPost, "/v1/agents", req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%+v", req)
	}

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/agents", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	assert.NoError(t, raw.Body.Close())
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := RequestIDMiddleware(rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code, "within burst")
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	// A different client has its own bucket.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:4000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.limiter("10.0.0.1")
	now = now.Add(time.Minute)
	rl.limiter("10.0.0.2")
	now = now.Add(150 * time.Second)

	assert.Equal(t, 1, rl.Prune())
	assert.Len(t, rl.visitors, 1)
}

func TestRequestIDIsReused(t *testing.T) {
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(RequestID(r.Context())))
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "req-123", w.Body.String())
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
