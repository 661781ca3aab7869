// Package api is the HTTP surface of the autonomy engine. Errors are RFC 7807
// problem documents.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem document for r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://helm.peycheff.com/errors/%d", status),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(RequestIDHeader),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, detail)
}

func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a generic 500. err never reaches the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	slog.ErrorContext(ctx, "internal server error", "path", r.URL.Path, "request_id", RequestID(ctx), "error", err)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
