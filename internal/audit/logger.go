// Package audit persists one record per handled request without ever
// delaying or failing the request itself.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
	"github.com/tjfontaine/surveyor-gateway/internal/metrics"
)

const (
	// DefaultQueueSize is the number of records buffered ahead of the store.
	DefaultQueueSize = 1024

	defaultWriteTimeout = 5 * time.Second
)

// Logger queues audit records and writes them from a single worker.
type Logger struct {
	store        ports.AuditStore
	logger       *slog.Logger
	metrics      metrics.Recorder
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan domain.AuditRecord
	done   chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the structured logger used for failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) { a.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(a *Logger) { a.metrics = m }
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Logger) { a.writeTimeout = d }
}

// NewLogger starts the worker. queueSize <= 0 selects DefaultQueueSize.
func NewLogger(store ports.AuditStore, queueSize int, opts ...Option) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &Logger{
		store:        store,
		logger:       slog.Default(),
		metrics:      metrics.Nop{},
		writeTimeout: defaultWriteTimeout,
		queue:        make(chan domain.AuditRecord, queueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.run()
	return a
}

// Record enqueues rec. It never blocks: when the queue is full or the logger
// is closed the record is dropped and counted.
func (a *Logger) Record(rec domain.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.drop(rec, "closed")
		return
	}

	select {
	case a.queue <- rec:
	default:
		a.drop(rec, "queue_full")
	}
}

func (a *Logger) drop(rec domain.AuditRecord, reason string) {
	a.metrics.RecordAuditFailure(reason)
	a.logger.Warn("audit record dropped",
		slog.String("reason", reason),
		slog.String("request_id", rec.RequestID),
		slog.String("endpoint", rec.Endpoint),
		slog.Int("status", rec.StatusCode))
}

func (a *Logger) run() {
	defer close(a.done)
	for rec := range a.queue {
		a.write(rec)
	}
}

func (a *Logger) write(rec domain.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	if err := a.store.AppendAudit(ctx, &rec); err != nil {
		a.metrics.RecordAuditFailure("store")
		a.logger.Error("failed to write audit record",
			slog.String("error", err.Error()),
			slog.String("request_id", rec.RequestID),
			slog.String("endpoint", rec.Endpoint),
			slog.Int("status", rec.StatusCode))
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to
// end, whichever comes first.
func (a *Logger) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
