// Package proxy relays authenticated requests to the inference backend.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/surveyor-gateway/internal/api/middleware"
	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/metrics"
	"github.com/tjfontaine/surveyor-gateway/internal/pipeline"
)

// DefaultTimeout bounds one backend exchange, streaming included.
const DefaultTimeout = time.Hour

// PathPrefix is the route prefix relayed to the backend unchanged.
const PathPrefix = "/api/"

const streamChunkSize = 32 * 1024

// Forwarder relays /api/{path} to the backend.
type Forwarder struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	metrics metrics.Recorder
	logger  *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient sets the outbound client. Its transport is used as is.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// NewForwarder creates a forwarder for the backend at baseURL.
func NewForwarder(baseURL string, opts ...Option) *Forwarder {
	f := &Forwarder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: DefaultTimeout,
		metrics: metrics.Nop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IsStreamingPath reports whether responses for path are relayed as a
// stream rather than buffered.
func IsStreamingPath(path string) bool {
	return strings.Contains(path, "stream") || strings.Contains(path, "chat")
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method, ok := ParseMethod(r.Method)
	if !ok {
		f.metrics.RecordProxyError("method")
		pipeline.WriteError(w, domain.ErrMethodNotAllowed())
		return
	}

	path := strings.TrimPrefix(r.URL.Path, PathPrefix)

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	req, err := f.newRequest(ctx, method, path, r)
	if err != nil {
		f.fail(w, r, err)
		return
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	defer resp.Body.Close()

	if IsStreamingPath(path) {
		f.stream(w, r, resp)
		return
	}
	f.buffer(w, r, resp)
}

func (f *Forwarder) newRequest(ctx context.Context, method Method, path string, r *http.Request) (*http.Request, error) {
	target := f.baseURL + PathPrefix + path
	if method.ForwardsQuery() && r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if method.HasBody() {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, method.String(), target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend request: %w", err)
	}

	if method.HasBody() {
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
		req.ContentLength = r.ContentLength
	}
	if id := middleware.GetRequestID(r.Context()); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}
	return req, nil
}

// stream relays the backend body chunk by chunk. Each chunk is flushed
// before the next read, so a slow client slows the backend read.
func (f *Forwarder) stream(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				// client went away; returning cancels the backend request
				pipeline.SetError(r.Context(), fmt.Errorf("client write failed: %w", err))
				f.metrics.RecordProxyError("client_gone")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			// Headers are out; the stream just ends without error bytes.
			kind := "stream"
			if isTimeout(readErr) {
				kind = "timeout"
			}
			f.metrics.RecordProxyError(kind)
			pipeline.SetError(r.Context(), fmt.Errorf("backend stream interrupted: %w", readErr))
			f.logger.Warn("backend stream interrupted",
				slog.String("request_id", middleware.GetRequestID(r.Context())),
				slog.String("error", readErr.Error()))
			return
		}
	}
}

// buffer reads the whole backend body and re-emits it as JSON.
func (f *Forwarder) buffer(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.fail(w, r, err)
		return
	}

	var out bytes.Buffer
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Compact(&out, raw); err != nil {
			f.fail(w, r, fmt.Errorf("invalid JSON from backend: %w", err))
			return
		}
	} else {
		if err := json.NewEncoder(&out).Encode(map[string]string{"data": string(raw)}); err != nil {
			f.fail(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(out.Bytes())
}

// fail maps a backend failure onto 504 or 502.
func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, err error) {
	pipeline.SetError(r.Context(), err)

	var apiErr *domain.APIError
	if isTimeout(err) {
		f.metrics.RecordProxyError("timeout")
		apiErr = domain.ErrBackendTimeout()
	} else {
		f.metrics.RecordProxyError("unreachable")
		apiErr = domain.ErrBackendUnavailable(err)
	}

	f.logger.Error("error proxying to backend",
		slog.String("request_id", middleware.GetRequestID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))

	pipeline.WriteError(w, apiErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
