package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
)

const (
	// DefaultTokenInfoURL is Google's ID token introspection endpoint.
	DefaultTokenInfoURL = "https://www.googleapis.com/oauth2/v3/tokeninfo"

	// DefaultTimeout bounds a single verification call.
	DefaultTimeout = 5 * time.Second
)

// ErrVerification is returned for every token that cannot be accepted.
var ErrVerification = errors.New("token verification failed")

// Mode values reported by Verifier.Mode.
const (
	ModeVerified   = "verified"
	ModePermissive = "permissive"
)

// Verifier checks ID tokens against the provider's introspection endpoint.
type Verifier struct {
	audience     string
	tokenInfoURL string
	timeout      time.Duration
	client       *http.Client
	logger       *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient sets the client used for introspection calls.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// WithTokenInfoURL overrides the introspection endpoint.
func WithTokenInfoURL(u string) Option {
	return func(v *Verifier) {
		if u != "" {
			v.tokenInfoURL = u
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a verifier for the given audience (OAuth client id).
// An empty audience puts the verifier in permissive mode: every token maps to
// the anonymous identity and no network call is made.
func NewVerifier(audience string, opts ...Option) *Verifier {
	v := &Verifier{
		audience:     audience,
		tokenInfoURL: DefaultTokenInfoURL,
		timeout:      DefaultTimeout,
		client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if audience == "" {
		v.logger.Warn("no OAuth client id configured, authentication is permissive",
			slog.String("auth_mode", ModePermissive))
	}

	return v
}

// Mode reports whether tokens are actually verified.
func (v *Verifier) Mode() string {
	if v.audience == "" {
		return ModePermissive
	}
	return ModeVerified
}

type tokenInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	Aud     string `json:"aud"`
}

// Verify resolves token into an identity. Any failure wraps ErrVerification.
func (v *Verifier) Verify(ctx context.Context, token string) (*domain.Identity, error) {
	if v.audience == "" {
		return domain.AnonymousIdentity(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	u, err := url.Parse(v.tokenInfoURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tokeninfo url: %v", ErrVerification, err)
	}
	q := u.Query()
	q.Set("id_token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: tokeninfo request failed: %v", ErrVerification, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read tokeninfo response: %v", ErrVerification, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tokeninfo returned status %d", ErrVerification, resp.StatusCode)
	}

	var info tokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to parse tokeninfo response: %v", ErrVerification, err)
	}

	if info.Aud != v.audience {
		v.logger.Warn("token audience mismatch",
			slog.String("expected", v.audience),
			slog.String("got", info.Aud))
		return nil, fmt.Errorf("%w: audience mismatch", ErrVerification)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("%w: empty sub in tokeninfo response", ErrVerification)
	}

	return &domain.Identity{
		SubjectID: info.Sub,
		Email:     info.Email,
		Name:      info.Name,
		Picture:   info.Picture,
	}, nil
}
