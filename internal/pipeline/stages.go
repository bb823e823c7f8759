package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/auth"
	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
	"github.com/tjfontaine/surveyor-gateway/internal/metrics"
	"github.com/tjfontaine/surveyor-gateway/internal/quota"
)

// Stage is one named step of the pipeline. Returning an error stops the
// request; a *domain.APIError selects the client response, anything else
// becomes a 500.
type Stage interface {
	Name() string
	State() State
	Process(ctx context.Context, ex *Exchange) error
}

// Verifier resolves a bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*domain.Identity, error)
}

// QuotaChecker consumes and reports per-identity quota.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, subjectID string, now time.Time) (quota.Decision, error)
	Status(ctx context.Context, subjectID string, now time.Time) (quota.Decision, error)
}

// authenticateStage turns the Authorization header into a stored identity.
type authenticateStage struct {
	verifier   Verifier
	identities ports.IdentityStore
	now        func() time.Time
	logger     *slog.Logger
}

func (s *authenticateStage) Name() string { return "authenticate" }

func (s *authenticateStage) State() State { return StateAuthenticating }

func (s *authenticateStage) Process(ctx context.Context, ex *Exchange) error {
	token, err := auth.ExtractBearerToken(ex.Request)
	if err != nil {
		return domain.ErrAuthentication("Authentication required").WithCause(err)
	}

	id, err := s.verifier.Verify(ctx, token)
	if err != nil {
		s.logger.Warn("token verification failed",
			slog.String("request_id", ex.RequestID),
			slog.String("error", err.Error()))
		return domain.ErrAuthentication("Invalid or expired token").WithCause(err)
	}

	if err := s.identities.UpsertIdentity(ctx, id, s.now()); err != nil {
		return domain.ErrServer("Internal server error").WithCause(err)
	}

	ex.Identity = id
	return nil
}

// quotaStage charges one request against the identity's window.
type quotaStage struct {
	limiter QuotaChecker
	metrics metrics.Recorder
	now     func() time.Time
}

func (s *quotaStage) Name() string { return "quota" }

func (s *quotaStage) State() State { return StateQuotaCheck }

func (s *quotaStage) Process(ctx context.Context, ex *Exchange) error {
	if ex.Identity == nil {
		return domain.ErrServer("Internal server error").WithCause(errors.New("quota check before authentication"))
	}

	d, err := s.limiter.CheckAndConsume(ctx, ex.Identity.SubjectID, s.now())
	if err != nil {
		return domain.ErrServer("Internal server error").WithCause(err)
	}

	ex.Decision = d
	s.metrics.RecordQuotaDecision(d.Allowed)
	if !d.Allowed {
		return domain.ErrRateLimit(d.ResetAt)
	}
	return nil
}
