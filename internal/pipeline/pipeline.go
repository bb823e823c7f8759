package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/surveyor-gateway/internal/api/middleware"
	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
	"github.com/tjfontaine/surveyor-gateway/internal/metrics"
)

const tracerName = "github.com/tjfontaine/surveyor-gateway/internal/pipeline"

// DefaultPublicPaths bypass authentication, quota and audit.
var DefaultPublicPaths = []string{
	"/health",
	"/api/user/config",
	"/docs",
	"/openapi.json",
	"/metrics",
}

// Auditor accepts finished audit records. Record must not block.
type Auditor interface {
	Record(rec domain.AuditRecord)
}

// Config wires a Pipeline to its collaborators.
type Config struct {
	Verifier   Verifier
	Identities ports.IdentityStore
	Quota      QuotaChecker
	Audit      Auditor

	Metrics     metrics.Recorder
	Logger      *slog.Logger
	PublicPaths []string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline authenticates, rate limits, forwards and audits requests.
type Pipeline struct {
	stages  []Stage
	quota   QuotaChecker
	audit   Auditor
	metrics metrics.Recorder
	logger  *slog.Logger
	public  map[string]struct{}
	now     func() time.Time
	tracer  trace.Tracer
}

// New builds a pipeline with the authenticate and quota stages.
func New(cfg Config) *Pipeline {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PublicPaths == nil {
		cfg.PublicPaths = DefaultPublicPaths
	}

	p := &Pipeline{
		quota:   cfg.Quota,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		public:  make(map[string]struct{}, len(cfg.PublicPaths)),
		now:     cfg.Now,
		tracer:  otel.Tracer(tracerName),
	}
	for _, path := range cfg.PublicPaths {
		p.public[path] = struct{}{}
	}

	p.stages = []Stage{
		&authenticateStage{verifier: cfg.Verifier, identities: cfg.Identities, now: cfg.Now, logger: cfg.Logger},
		&quotaStage{limiter: cfg.Quota, metrics: cfg.Metrics, now: cfg.Now},
	}
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// IsPublic reports whether path bypasses the pipeline.
func (p *Pipeline) IsPublic(path string) bool {
	_, ok := p.public[path]
	return ok
}

// Handler wraps next, the authenticated surface, with the pipeline.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ex := &Exchange{
			Request:   r,
			RequestID: middleware.GetRequestID(r.Context()),
			Start:     p.now(),
			State:     StateReceived,
			began:     time.Now(),
		}
		ctx := withExchange(r.Context(), ex)
		r = r.WithContext(ctx)
		ex.Request = r

		rw := &responseWriter{ResponseWriter: w}

		if err := p.runStages(ctx, ex); err != nil {
			p.reject(rw, ex, err)
			p.finish(rw, ex)
			return
		}

		rw.onHeaders = func(h http.Header) { p.stampQuota(ctx, ex, h) }
		p.forward(rw, r, ex, next)
		p.finish(rw, ex)
	})
}

func (p *Pipeline) runStages(ctx context.Context, ex *Exchange) error {
	for _, stage := range p.stages {
		ex.State = stage.State()

		stageCtx, span := p.tracer.Start(ctx, "pipeline."+stage.Name())
		err := stage.Process(stageCtx, ex)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, stage.Name()+" rejected request")
		}
		span.End()

		if err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name(), err)
		}
	}

	middleware.AddLogField(ctx, "subject_id", ex.SubjectID())
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("gateway.subject_id", ex.SubjectID()))
	return nil
}

func (p *Pipeline) reject(rw *responseWriter, ex *Exchange, err error) {
	ex.State = StateRejected
	ex.err = err
	middleware.AddError(ex.Request.Context(), err)

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.ErrServer("Internal server error")
	}

	if apiErr.Type == domain.ErrorTypeRateLimit {
		h := rw.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(ex.Decision.Limit))
		h.Set("X-RateLimit-Remaining", "0")
		h.Set("X-RateLimit-Reset", strconv.FormatInt(ex.Decision.ResetAt, 10))
	}

	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		p.logger.Error("pipeline failed",
			slog.String("request_id", ex.RequestID),
			slog.String("error", err.Error()))
	}

	WriteError(rw, apiErr)
}

// forward hands the request to next. A panic is audited as a 500 and then
// re-raised for the outer recoverer.
func (p *Pipeline) forward(rw *responseWriter, r *http.Request, ex *Exchange, next http.Handler) {
	ex.State = StateForwarding
	defer func() {
		if rec := recover(); rec != nil {
			if ex.err == nil {
				ex.err = fmt.Errorf("panic: %v", rec)
			}
			if !rw.wroteHeader {
				rw.wroteHeader = true
				rw.headersAt = time.Now()
			}
			rw.status = http.StatusInternalServerError
			p.finish(rw, ex)
			panic(rec)
		}
	}()

	ex.forwardAt = time.Now()
	next.ServeHTTP(rw, r)
}

// stampQuota sets the quota headers from a fresh read of the counter.
func (p *Pipeline) stampQuota(ctx context.Context, ex *Exchange, h http.Header) {
	ex.State = StateResponding

	d := ex.Decision
	if fresh, err := p.quota.Status(ctx, ex.SubjectID(), p.now()); err == nil {
		d = fresh
	} else {
		p.logger.Warn("failed to refresh quota for headers",
			slog.String("request_id", ex.RequestID),
			slog.String("error", err.Error()))
	}

	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}

// finish queues the audit record and records request metrics. Latency runs
// from the hand-off to the backend handler until headers are written; a
// rejected request is measured from pipeline entry.
func (p *Pipeline) finish(rw *responseWriter, ex *Exchange) {
	end := rw.headersAt
	if !rw.wroteHeader {
		end = time.Now()
	}
	start := ex.forwardAt
	if start.IsZero() {
		start = ex.began
	}
	latency := end.Sub(start)
	if latency < 0 {
		latency = 0
	}

	rec := domain.AuditRecord{
		RequestID:  ex.RequestID,
		SubjectID:  ex.SubjectID(),
		Endpoint:   ex.Request.URL.Path,
		Method:     ex.Request.Method,
		StatusCode: rw.Status(),
		Latency:    latency,
		IPAddress:  clientIP(ex.Request),
		UserAgent:  ex.Request.UserAgent(),
		Timestamp:  ex.Start,
	}
	if ex.err != nil {
		rec.ErrorMessage = ex.err.Error()
	}

	if ex.State != StateRejected {
		ex.State = StateLogged
	}
	p.audit.Record(rec)
	p.metrics.RecordRequest(rec.Method, rec.StatusCode, latency)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
