package server

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/pipeline"
	"github.com/tjfontaine/surveyor-gateway/internal/quota"
)

//go:embed openapi.json
var openAPIDocument []byte

//go:embed docs.html
var docsPage []byte

// QuotaReporter exposes the configured limit and per-identity standing.
type QuotaReporter interface {
	Limit() int
	Window() time.Duration
	Status(ctx context.Context, subjectID string, now time.Time) (quota.Decision, error)
}

type handlers struct {
	clientID string
	quota    QuotaReporter
	authMode string
	now      func() time.Time
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	AuthMode  string `json:"auth_mode"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	pipeline.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: h.now().Unix(),
		AuthMode:  h.authMode,
	})
}

type configResponse struct {
	ClientID          string `json:"client_id"`
	RateLimitRequests int    `json:"rate_limit_requests"`
	RateLimitWindow   int64  `json:"rate_limit_window"`
}

func (h *handlers) config(w http.ResponseWriter, r *http.Request) {
	pipeline.WriteJSON(w, http.StatusOK, configResponse{
		ClientID:          h.clientID,
		RateLimitRequests: h.quota.Limit(),
		RateLimitWindow:   int64(h.quota.Window() / time.Second),
	})
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	id := pipeline.IdentityFromContext(r.Context())
	if id == nil {
		pipeline.WriteError(w, domain.ErrAuthentication("Authentication required"))
		return
	}
	pipeline.WriteJSON(w, http.StatusOK, id)
}

type rateLimitResponse struct {
	Limit         int   `json:"limit"`
	Remaining     int   `json:"remaining"`
	ResetAt       int64 `json:"reset_at"`
	WindowSeconds int64 `json:"window_seconds"`
}

func (h *handlers) rateLimit(w http.ResponseWriter, r *http.Request) {
	id := pipeline.IdentityFromContext(r.Context())
	if id == nil {
		pipeline.WriteError(w, domain.ErrAuthentication("Authentication required"))
		return
	}

	d, err := h.quota.Status(r.Context(), id.SubjectID, h.now())
	if err != nil {
		pipeline.SetError(r.Context(), err)
		slog.ErrorContext(r.Context(), "failed to read quota", slog.String("error", err.Error()))
		pipeline.WriteError(w, domain.ErrServer("Internal server error"))
		return
	}

	pipeline.WriteJSON(w, http.StatusOK, rateLimitResponse{
		Limit:         d.Limit,
		Remaining:     d.Remaining,
		ResetAt:       d.ResetAt,
		WindowSeconds: int64(h.quota.Window() / time.Second),
	})
}

func (h *handlers) openAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(openAPIDocument)
}

func (h *handlers) docs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(docsPage)
}
