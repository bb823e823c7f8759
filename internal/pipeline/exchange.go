package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/api/middleware"
	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/quota"
)

// State is a request's position in the pipeline.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateAuthenticating State = "AUTHENTICATING"
	StateQuotaCheck     State = "QUOTA_CHECK"
	StateForwarding     State = "FORWARDING"
	StateResponding     State = "RESPONDING"
	StateLogged         State = "LOGGED"
	StateRejected       State = "REJECTED"
)

// Exchange is the per-request record the stages read and annotate.
type Exchange struct {
	Request   *http.Request
	RequestID string
	Start     time.Time
	State     State

	// Identity is set by the authenticate stage.
	Identity *domain.Identity

	// Decision is set by the quota stage.
	Decision quota.Decision

	err   error
	began time.Time

	// forwardAt is zero until the request is handed to the backend handler.
	forwardAt time.Time
}

// SubjectID returns the authenticated subject or the anonymous marker.
func (ex *Exchange) SubjectID() string {
	if ex.Identity == nil || ex.Identity.SubjectID == "" {
		return domain.AnonymousSubject
	}
	return ex.Identity.SubjectID
}

// Err returns the failure reported for this request, if any.
func (ex *Exchange) Err() error {
	return ex.err
}

type exchangeKey struct{}

func withExchange(ctx context.Context, ex *Exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

// ExchangeFromContext returns the request's exchange, or nil outside the
// pipeline.
func ExchangeFromContext(ctx context.Context) *Exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*Exchange)
	return ex
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *domain.Identity {
	if ex := ExchangeFromContext(ctx); ex != nil {
		return ex.Identity
	}
	return nil
}

// SetError records err as the request's failure for the audit record and
// the request log. The first non-nil error wins.
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if ex := ExchangeFromContext(ctx); ex != nil && ex.err == nil {
		ex.err = err
	}
	middleware.AddError(ctx, err)
}
