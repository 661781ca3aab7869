package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/audit"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
)

const substantive = "I would first split the migration into reversible steps. " +
	"Each step ships behind a flag so it can be rolled back without a deploy. " +
	"The riskiest part is the backfill, so I would run it in small batches and watch error rates. " +
	"If latency climbs I pause the job and investigate before continuing."

func newChallenge() *contracts.Challenge {
	return &contracts.Challenge{
		ID:               "ch-1",
		TemplateID:       "plan-project/0",
		Category:         "planning",
		Prompt:           "Plan a zero-downtime database migration.",
		Status:           contracts.ChallengePending,
		IsNightChallenge: true,
	}
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func answer(text string) string {
	b, _ := json.Marshal(map[string]string{"response": text})
	return string(b)
}

func dispatchTo(t *testing.T, d *Dispatcher, url string) Outcome {
	t.Helper()
	return d.Dispatch(context.Background(), Request{
		WebhookURL: url,
		Challenge:  newChallenge(),
		SessionID:  "sess-1",
		AgentID:    "agent-1",
		Kind:       KindSession,
	})
}

func TestDispatch_Classification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  contracts.ChallengeStatus
		class   Class
		reason  string
	}{
		{"server error is skipped", reply(500, `{}`), contracts.ChallengeSkipped, ClassTransient, "agent endpoint returned 500"},
		{"bad gateway is skipped", reply(502, ``), contracts.ChallengeSkipped, ClassTransient, "agent endpoint returned 502"},
		{"client error is failed", reply(400, `{}`), contracts.ChallengeFailed, ClassAgentFault, "agent endpoint returned 400"},
		{"not found is failed", reply(404, ``), contracts.ChallengeFailed, ClassAgentFault, "agent endpoint returned 404"},
		{"brief answer is failed", reply(200, answer("yes ok fine")), contracts.ChallengeFailed, ClassAgentFault, "response too brief"},
		{"empty body is failed", reply(200, ``), contracts.ChallengeFailed, ClassAgentFault, "empty response"},
		{"blank answer is failed", reply(200, answer("   ")), contracts.ChallengeFailed, ClassAgentFault, "empty response"},
		{"non json is failed", reply(200, `all good`), contracts.ChallengeFailed, ClassAgentFault, "response is not valid JSON"},
		{"wrong shape is failed", reply(200, `{"answer": "hello there"}`), contracts.ChallengeFailed, ClassAgentFault, "malformed response: expected {\"response\": string}"},
		{"non string is failed", reply(200, `{"response": 42}`), contracts.ChallengeFailed, ClassAgentFault, "malformed response: expected {\"response\": string}"},
		{"substantive answer passes", reply(200, answer(substantive)), contracts.ChallengePassed, ClassOK, "accepted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			d, err := New(WithTimeout(2 * time.Second))
			require.NoError(t, err)

			out := dispatchTo(t, d, srv.URL)
			assert.Equal(t, tt.status, out.Status())
			assert.Equal(t, tt.class, out.Class)
			assert.Equal(t, tt.reason, out.Reason)
			if tt.class == ClassOK {
				require.NotNil(t, out.ResponseTimeMs)
				assert.GreaterOrEqual(t, *out.ResponseTimeMs, int64(0))
				require.NotNil(t, out.Response)
				assert.Equal(t, substantive, *out.Response)
			} else {
				assert.Nil(t, out.ResponseTimeMs)
			}
		})
	}
}

// letterWord spells i in base 26 so every word is distinct and alphabetic.
func letterWord(i int) string {
	var b strings.Builder
	b.WriteByte('w')
	for {
		b.WriteByte(byte('a' + i%26))
		i /= 26
		if i == 0 {
			return b.String()
		}
	}
}

func TestDispatch_ResponseSize(t *testing.T) {
	words := make([]string, 0, 20000)
	for i := 0; i < 20000; i++ {
		words = append(words, letterWord(i))
	}
	long := strings.Join(words, " ")
	require.Greater(t, len(long), 64<<10)

	tests := []struct {
		name   string
		body   string
		class  Class
		reason string
	}{
		{"long answer is read whole", answer(long), ClassOK, "accepted"},
		{"oversized reply is failed", `{"response": "` + strings.Repeat("a", MaxResponseBytes) + `"}`, ClassAgentFault,
			fmt.Sprintf("response too large (over %d bytes)", MaxResponseBytes)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(reply(200, tt.body))
			defer srv.Close()

			d, err := New(WithTimeout(5 * time.Second))
			require.NoError(t, err)

			out := dispatchTo(t, d, srv.URL)
			assert.Equal(t, tt.class, out.Class)
			assert.Equal(t, tt.reason, out.Reason)
		})
	}
}

func TestValidWebhookURL(t *testing.T) {
	assert.True(t, ValidWebhookURL("https://agent.example/hook"))
	assert.True(t, ValidWebhookURL("http://127.0.0.1:8080"))
	for _, raw := range []string{"", "/relative", "ftp://agent.example", "https://", "::"} {
		assert.False(t, ValidWebhookURL(raw), raw)
	}
}

func TestDispatch_TimeoutIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d, err := New(WithTimeout(50 * time.Millisecond))
	require.NoError(t, err)

	out := dispatchTo(t, d, srv.URL)
	assert.Equal(t, contracts.ChallengeSkipped, out.Status())
	assert.Equal(t, "timeout", out.Reason)
}

func TestDispatch_ConnectionRefusedIsSkipped(t *testing.T) {
	srv := httptest.NewServer(reply(200, answer(substantive)))
	url := srv.URL
	srv.Close()

	d, err := New(WithTimeout(time.Second))
	require.NoError(t, err)

	out := dispatchTo(t, d, url)
	assert.Equal(t, contracts.ChallengeSkipped, out.Status())
	assert.Equal(t, ClassTransient, out.Class)
}

func TestDispatch_CancelledContextIsSkipped(t *testing.T) {
	srv := httptest.NewServer(reply(200, answer(substantive)))
	defer srv.Close()

	d, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := d.Dispatch(ctx, Request{WebhookURL: srv.URL, Challenge: newChallenge(), AgentID: "agent-1"})
	assert.Equal(t, contracts.ChallengeSkipped, out.Status())
}

func TestDispatch_InvalidWebhookURL(t *testing.T) {
	d, err := New()
	require.NoError(t, err)

	for _, u := range []string{"", "ftp://agent.example", "not a url", "http://"} {
		out := dispatchTo(t, d, u)
		assert.Equal(t, contracts.ChallengeFailed, out.Status(), u)
		assert.Equal(t, "invalid webhook url", out.Reason, u)
	}
}

func TestDispatch_PayloadAndSignature(t *testing.T) {
	var got Payload
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		sig = r.Header.Get(SignatureHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(answer(substantive)))
	}))
	defer srv.Close()

	d, err := New(WithTimeout(5*time.Second), WithSigningSecret("s3cret"))
	require.NoError(t, err)

	out := dispatchTo(t, d, srv.URL)
	require.Equal(t, contracts.ChallengePassed, out.Status())

	assert.Equal(t, PayloadType, got.Type)
	assert.Equal(t, "ch-1", got.ChallengeID)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "planning", got.Category)
	assert.True(t, got.IsNightChallenge)
	assert.Equal(t, int64(5000), got.RespondWithinMs)

	require.NotEmpty(t, sig)
	key, err := AgentSigningKey([]byte("s3cret"), "agent-1")
	require.NoError(t, err)
	claims, err := VerifySignature(key, sig)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.Subject)
	assert.Equal(t, "ch-1", claims.ID)
	assert.Equal(t, "sess-1", claims.SessionID)

	_, err = VerifySignature([]byte("s3cret"), sig)
	assert.Error(t, err, "the engine secret itself is not an agent key")

	other, err := AgentSigningKey([]byte("s3cret"), "agent-2")
	require.NoError(t, err)
	_, err = VerifySignature(other, sig)
	assert.Error(t, err)
}

func TestAgentSigningKey(t *testing.T) {
	a1, err := AgentSigningKey([]byte("s3cret"), "agent-1")
	require.NoError(t, err)
	again, err := AgentSigningKey([]byte("s3cret"), "agent-1")
	require.NoError(t, err)
	a2, err := AgentSigningKey([]byte("s3cret"), "agent-2")
	require.NoError(t, err)

	assert.Len(t, a1, 32)
	assert.Equal(t, a1, again)
	assert.NotEqual(t, a1, a2)
}

func TestDispatch_NoSignatureWithoutSecret(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(SignatureHeader)
		_, _ = w.Write([]byte(answer(substantive)))
	}))
	defer srv.Close()

	d, err := New()
	require.NoError(t, err)
	dispatchTo(t, d, srv.URL)
	assert.Empty(t, sig)
}

func TestDispatch_CircuitBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d, err := New(WithBreaker(2, time.Minute), WithClock(clock))
	require.NoError(t, err)

	dispatchTo(t, d, srv.URL)
	dispatchTo(t, d, srv.URL)
	out := dispatchTo(t, d, srv.URL)

	assert.Equal(t, contracts.ChallengeSkipped, out.Status())
	assert.Equal(t, "circuit open", out.Reason)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// After the reset timeout a trial request goes through.
	now = now.Add(2 * time.Minute)
	dispatchTo(t, d, srv.URL)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestDispatch_AgentFaultDoesNotTripBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d, err := New(WithBreaker(1, time.Minute))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		dispatchTo(t, d, srv.URL)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestDispatch_AuditsEveryOutcome(t *testing.T) {
	srv := httptest.NewServer(reply(500, ``))
	defer srv.Close()

	mem := store.NewMemoryStore()
	log := audit.New(mem)
	d, err := New(WithAudit(log))
	require.NoError(t, err)

	dispatchTo(t, d, srv.URL)
	d.Dispatch(context.Background(), Request{WebhookURL: srv.URL, Challenge: newChallenge(), AgentID: "agent-1", Kind: KindSpotCheck})

	entries := mem.AuditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.AuditChallengeDispatched, entries[0].EntryType)
	assert.Equal(t, contracts.AuditSpotCheck, entries[1].EntryType)
	assert.Equal(t, "skipped", entries[0].Action)
	assert.Equal(t, "agent-1", entries[0].Subject)
	require.NoError(t, log.VerifyChain())
}

func TestOutcome_Apply(t *testing.T) {
	sent := time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC)
	responded := sent.Add(1500 * time.Millisecond)
	text := substantive
	ms := int64(1500)

	c := newChallenge()
	out := Outcome{Class: ClassOK, Reason: "accepted", SentAt: sent, RespondedAt: &responded, Response: &text, ResponseTimeMs: &ms}
	require.NoError(t, out.Apply(c))
	assert.Equal(t, contracts.ChallengePassed, c.Status)
	assert.Equal(t, int64(1500), *c.ResponseTimeMs)
	assert.Equal(t, sent, *c.SentAt)

	// A second outcome cannot overwrite the first.
	assert.ErrorIs(t, Outcome{Class: ClassTransient, SentAt: sent}.Apply(c), contracts.ErrChallengeResolved)
	assert.Equal(t, contracts.ChallengePassed, c.Status)

	skipped := newChallenge()
	require.NoError(t, Outcome{Class: ClassTransient, Reason: "timeout", SentAt: sent, Response: &text}.Apply(skipped))
	assert.Equal(t, contracts.ChallengeSkipped, skipped.Status)
	assert.Nil(t, skipped.Response)
	assert.Nil(t, skipped.ResponseTimeMs)

	failed := newChallenge()
	require.NoError(t, Outcome{Class: ClassAgentFault, Reason: "response too brief", SentAt: sent, Response: &text, ResponseTimeMs: &ms}.Apply(failed))
	assert.Equal(t, contracts.ChallengeFailed, failed.Status)
	assert.NotNil(t, failed.Response)
	assert.Nil(t, failed.ResponseTimeMs)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		class  Class
		reason string
	}{
		{context.DeadlineExceeded, ClassTransient, "timeout"},
		{fmt.Errorf("wrapped: %w", context.Canceled), ClassTransient, "aborted"},
		{errors.New("something odd"), ClassUnclassified, "dispatch error: something odd"},
	}
	for _, tt := range tests {
		class, reason := classifyError(tt.err)
		assert.Equal(t, tt.class, class)
		assert.Equal(t, tt.reason, reason)
	}
	assert.Equal(t, contracts.ChallengeFailed, ClassUnclassified.Status())
}
