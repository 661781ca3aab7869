package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/dispatch"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/spotcheck"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/trust"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/verification"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to the engine components.
type Server struct {
	agents    store.AgentStore
	engine    *verification.Engine
	trust     *trust.Manager
	spotcheck *spotcheck.Service
	sweeper   *spotcheck.Sweeper
	limiter   *RateLimiter
	logger    *slog.Logger
}

// Deps are the components a Server serves.
type Deps struct {
	Agents    store.AgentStore
	Engine    *verification.Engine
	Trust     *trust.Manager
	SpotCheck *spotcheck.Service
	Sweeper   *spotcheck.Sweeper
	// Limiter is optional; nil disables per-IP rate limiting.
	Limiter *RateLimiter
}

func NewServer(d Deps) *Server {
	return &Server{
		agents:    d.Agents,
		engine:    d.Engine,
		trust:     d.Trust,
		spotcheck: d.SpotCheck,
		sweeper:   d.Sweeper,
		limiter:   d.Limiter,
		logger:    slog.Default().With("component", "api"),
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents/{id}/verification", s.handleVerificationStatus)
	mux.HandleFunc("GET /v1/agents/{id}/tier", s.handleTier)
	mux.HandleFunc("POST /v1/agents/{id}/revoke", s.handleRevoke)
	mux.HandleFunc("POST /v1/agents/{id}/spot-checks", s.handleScheduleSpotCheck)

	mux.HandleFunc("POST /v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/run", s.handleRunSession)
	mux.HandleFunc("GET /v1/sessions/{id}/analysis", s.handleAnalysis)

	mux.HandleFunc("POST /v1/spot-checks/sweep", s.handleSweep)
	mux.HandleFunc("POST /v1/spot-checks/{id}/run", s.handleRunSpotCheck)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = LoggingMiddleware(s.logger, h)
	return RequestIDMiddleware(h)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterAgentRequest creates or updates an agent profile.
type RegisterAgentRequest struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Model      string `json:"model"`
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		WriteBadRequest(w, r, "Missing required field: id")
		return
	}
	if req.WebhookURL != "" && !dispatch.ValidWebhookURL(req.WebhookURL) {
		WriteBadRequest(w, r, "webhook_url must be an absolute http(s) URL")
		return
	}

	ctx := r.Context()
	err := s.agents.UpsertAgent(ctx, &contracts.Agent{
		ID:         req.ID,
		Username:   req.Username,
		Model:      req.Model,
		WebhookURL: req.WebhookURL,
		Trust:      contracts.TrustState{TrustTier: contracts.TierSpawn},
	})
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	agent, err := s.agents.GetAgent(ctx, req.ID)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.trust.GetVerificationStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTier(w http.ResponseWriter, r *http.Request) {
	at, err := s.trust.GetAgentTier(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if at == nil {
		WriteNotFound(w, r, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, at)
}

// RevokeRequest is the optional body of a revoke call.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	revoked, err := s.trust.RevokeVerification(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

func (s *Server) handleScheduleSpotCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	agent, err := s.agents.GetAgent(ctx, id)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if agent == nil {
		WriteNotFound(w, r, "agent not found")
		return
	}

	sc, err := s.spotcheck.ScheduleSpotCheck(ctx, id)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if sc == nil {
		WriteConflict(w, r, "agent is not verified")
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// StartSessionRequest starts a verification session. An empty WebhookURL
// uses the agent's registered webhook.
type StartSessionRequest struct {
	AgentID    string `json:"agent_id"`
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, r, "Missing required field: agent_id")
		return
	}
	if req.WebhookURL != "" && !dispatch.ValidWebhookURL(req.WebhookURL) {
		WriteBadRequest(w, r, "webhook_url must be an absolute http(s) URL")
		return
	}

	session, err := s.engine.StartSession(r.Context(), req.AgentID, req.WebhookURL)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if session == nil {
		WriteNotFound(w, r, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if session == nil {
		WriteNotFound(w, r, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleRunSession runs the session to completion within the request. A
// dropped connection cancels the run, which leaves it resumable.
func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RunSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if r.Context().Err() != nil {
			WriteError(w, r, http.StatusServiceUnavailable, "run interrupted; call run again to resume")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	if res == nil {
		WriteNotFound(w, r, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Analyze(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if a == nil {
		WriteNotFound(w, r, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRunSpotCheck(w http.ResponseWriter, r *http.Request) {
	sc, err := s.spotcheck.RunSpotCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if sc == nil {
		WriteNotFound(w, r, "spot check not found or agent not verified")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
