// Package dispatch delivers challenges to agent webhooks and classifies
// whatever comes back into a single challenge outcome.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/audit"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/challenge"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/observability"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second
	// MaxResponseBytes bounds how much of a webhook reply is read. Larger
	// replies fail with "response too large" instead of a truncated decode.
	MaxResponseBytes = 1 << 20

	// PayloadType is the "type" field of every challenge payload.
	PayloadType = "verification_challenge"

	KindSession   = "session"
	KindSpotCheck = "spot_check"
)

const responseSchemaURL = "https://helm.schemas.local/autonomy/challenge-response.schema.json"

const responseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"response": {"type": "string"}
	},
	"required": ["response"]
}`

// Request identifies one challenge delivery.
type Request struct {
	WebhookURL string
	Challenge  *contracts.Challenge
	SessionID  string
	AgentID    string
	// Kind is KindSession or KindSpotCheck; it only labels audit and metrics.
	Kind string
}

// Payload is the JSON body POSTed to the agent webhook.
type Payload struct {
	Type             string `json:"type"`
	ChallengeID      string `json:"challenge_id"`
	SessionID        string `json:"session_id,omitempty"`
	AgentID          string `json:"agent_id"`
	Prompt           string `json:"prompt"`
	Category         string `json:"category"`
	IsNightChallenge bool   `json:"is_night_challenge"`
	RespondWithinMs  int64  `json:"respond_within_ms"`
}

// Dispatcher POSTs challenges to webhooks under a deadline, a global
// outbound rate limit and a per-host circuit breaker.
type Dispatcher struct {
	client   *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	breakers *breakerSet
	secret   []byte
	schema   *jsonschema.Schema
	audit    audit.Recorder
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger

	breakerThreshold int
	breakerReset     time.Duration
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTimeout bounds every dispatch, connection through body read.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithRateLimit caps outbound dispatches per second across all agents.
func WithRateLimit(rps float64, burst int) Option {
	return func(d *Dispatcher) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithSigningSecret enables the X-Autonomy-Signature header.
func WithSigningSecret(secret string) Option {
	return func(d *Dispatcher) {
		if secret != "" {
			d.secret = []byte(secret)
		}
	}
}

func WithBreaker(threshold int, reset time.Duration) Option {
	return func(d *Dispatcher) {
		if threshold > 0 {
			d.breakerThreshold = threshold
		}
		if reset > 0 {
			d.breakerReset = reset
		}
	}
}

func WithAudit(r audit.Recorder) Option {
	return func(d *Dispatcher) { d.audit = r }
}

func WithObservability(p *observability.Provider) Option {
	return func(d *Dispatcher) { d.obs = p }
}

func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		timeout:          DefaultTimeout,
		clock:            time.Now,
		logger:           slog.Default().With("component", "dispatch"),
		breakerThreshold: DefaultBreakerThreshold,
		breakerReset:     DefaultBreakerReset,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: d.timeout}
	}
	d.breakers = newBreakerSet(d.breakerThreshold, d.breakerReset, d.clock)

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(responseSchemaURL, strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("failed to load response schema: %w", err)
	}
	schema, err := c.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile response schema: %w", err)
	}
	d.schema = schema
	return d, nil
}

// Timeout is the per-dispatch deadline.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Dispatch sends one challenge and classifies the result. It does not
// mutate the challenge; callers apply the outcome with Outcome.Apply.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	ctx, done := d.obs.TrackOperation(ctx, "dispatch_challenge",
		attribute.String("agent_id", req.AgentID),
		attribute.String("kind", req.Kind),
	)
	out := d.dispatch(ctx, req)
	done(nil)

	category := ""
	if req.Challenge != nil {
		category = req.Challenge.Category
	}
	d.obs.RecordChallenge(ctx, req.Kind, category, string(out.Status()), out.ResponseTimeMs)
	d.record(ctx, req, out)

	d.logger.InfoContext(ctx, "challenge dispatched",
		"agent_id", req.AgentID,
		"session_id", req.SessionID,
		"challenge_id", challengeID(req),
		"status", out.Status(),
		"class", out.Class,
		"reason", out.Reason,
	)
	return out
}

// ValidWebhookURL reports whether raw is an absolute http(s) URL the
// dispatcher can call.
func ValidWebhookURL(raw string) bool {
	_, ok := parseWebhook(raw)
	return ok
}

func parseWebhook(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	return u, true
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Outcome {
	sentAt := d.clock().UTC()
	if req.Challenge == nil {
		return Outcome{Class: ClassUnclassified, Reason: "no challenge", SentAt: sentAt}
	}

	target, ok := parseWebhook(req.WebhookURL)
	if !ok {
		return Outcome{Class: ClassAgentFault, Reason: "invalid webhook url", SentAt: sentAt}
	}

	breaker := d.breakers.get(target.Host)
	if !breaker.Allow() {
		return transient("circuit open", sentAt)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return transient("aborted", sentAt)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := json.Marshal(Payload{
		Type:             PayloadType,
		ChallengeID:      req.Challenge.ID,
		SessionID:        req.SessionID,
		AgentID:          req.AgentID,
		Prompt:           req.Challenge.Prompt,
		Category:         req.Challenge.Category,
		IsNightChallenge: req.Challenge.IsNightChallenge,
		RespondWithinMs:  d.timeout.Milliseconds(),
	})
	if err != nil {
		return Outcome{Class: ClassUnclassified, Reason: "encode payload: " + err.Error(), SentAt: sentAt}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: ClassUnclassified, Reason: "build request: " + err.Error(), SentAt: sentAt}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "helm-autonomy/1")
	if d.secret != nil {
		token, err := signChallenge(d.secret, req.AgentID, req.Challenge.ID, req.SessionID, sentAt, d.timeout)
		if err != nil {
			d.logger.WarnContext(ctx, "failed to sign challenge", "challenge_id", req.Challenge.ID, "error", err)
		} else {
			httpReq.Header.Set(SignatureHeader, token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		class, reason := classifyError(err)
		if class == ClassTransient {
			breaker.Failure()
		}
		return Outcome{Class: class, Reason: reason, SentAt: sentAt}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	elapsed := time.Since(start)
	respondedAt := sentAt.Add(elapsed)
	if err != nil {
		class, reason := classifyError(err)
		if class == ClassTransient {
			breaker.Failure()
		}
		return Outcome{Class: class, Reason: reason, SentAt: sentAt, HTTPStatus: resp.StatusCode}
	}

	out := Outcome{SentAt: sentAt, RespondedAt: &respondedAt, HTTPStatus: resp.StatusCode}
	switch {
	case resp.StatusCode >= 500:
		breaker.Failure()
		out.Class = ClassTransient
		out.Reason = fmt.Sprintf("agent endpoint returned %d", resp.StatusCode)
		out.RespondedAt = nil
		return out
	case resp.StatusCode >= 400:
		breaker.Success()
		out.Class = ClassAgentFault
		out.Reason = fmt.Sprintf("agent endpoint returned %d", resp.StatusCode)
		return out
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		breaker.Success()
		out.Class = ClassUnclassified
		out.Reason = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return out
	}
	breaker.Success()

	if len(raw) > MaxResponseBytes {
		out.Class = ClassAgentFault
		out.Reason = fmt.Sprintf("response too large (over %d bytes)", MaxResponseBytes)
		return out
	}
	text, reason := d.extractResponse(raw)
	if reason != "" {
		out.Class = ClassAgentFault
		out.Reason = reason
		return out
	}
	out.Response = &text

	verdict := challenge.Validate(text)
	if !verdict.Accepted {
		out.Class = ClassAgentFault
		out.Reason = verdict.Reason
		return out
	}

	ms := elapsed.Milliseconds()
	out.Class = ClassOK
	out.Reason = verdict.Reason
	out.ResponseTimeMs = &ms
	return out
}

// extractResponse decodes {"response": "..."}; a non-empty reason means the
// body was unusable.
func (d *Dispatcher) extractResponse(raw []byte) (string, string) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", "empty response"
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", "response is not valid JSON"
	}
	if err := d.schema.Validate(doc); err != nil {
		return "", "malformed response: expected {\"response\": string}"
	}
	text, _ := doc.(map[string]interface{})["response"].(string)
	if strings.TrimSpace(text) == "" {
		return "", "empty response"
	}
	return text, ""
}

func (d *Dispatcher) record(ctx context.Context, req Request, out Outcome) {
	if d.audit == nil {
		return
	}
	entryType := contracts.AuditChallengeDispatched
	if req.Kind == KindSpotCheck {
		entryType = contracts.AuditSpotCheck
	}
	d.audit.Record(ctx, entryType, req.AgentID, string(out.Status()), map[string]any{
		"challenge_id": challengeID(req),
		"session_id":   req.SessionID,
		"kind":         req.Kind,
		"class":        out.Class,
		"reason":       out.Reason,
		"http_status":  out.HTTPStatus,
		"response":     out.Response,
		"response_ms":  out.ResponseTimeMs,
	})
}

func challengeID(req Request) string {
	if req.Challenge == nil {
		return ""
	}
	return req.Challenge.ID
}
