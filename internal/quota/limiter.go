// Package quota implements the per-identity fixed-window request limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
)

// ErrInvalidWindow is returned when the window length is not positive.
var ErrInvalidWindow = errors.New("quota window must be positive")

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed     bool
	Limit       int
	Remaining   int
	WindowStart int64
	ResetAt     int64
}

// Decide computes the next counter and the decision for a request arriving
// at now. current may be nil. next is nil when the stored counter must not
// change, which is the case for every denial.
func Decide(current *domain.QuotaCounter, subjectID string, now int64, limit int, window int64) (next *domain.QuotaCounter, d Decision) {
	windowStart := now - now%window
	d = Decision{
		Limit:       limit,
		WindowStart: windowStart,
		ResetAt:     windowStart + window,
	}

	if limit <= 0 {
		return nil, d
	}

	if current == nil || current.WindowStart < windowStart {
		d.Allowed = true
		d.Remaining = limit - 1
		return &domain.QuotaCounter{
			SubjectID:    subjectID,
			RequestCount: 1,
			WindowStart:  windowStart,
			LastRequest:  now,
		}, d
	}

	if current.RequestCount >= limit {
		d.WindowStart = current.WindowStart
		d.ResetAt = current.WindowStart + window
		return nil, d
	}

	next = &domain.QuotaCounter{
		SubjectID:    subjectID,
		RequestCount: current.RequestCount + 1,
		WindowStart:  current.WindowStart,
		LastRequest:  now,
	}
	d.Allowed = true
	d.Remaining = limit - next.RequestCount
	d.WindowStart = current.WindowStart
	d.ResetAt = current.WindowStart + window
	return next, d
}

// Limiter applies one global limit per identity on top of a QuotaStore.
type Limiter struct {
	store  ports.QuotaStore
	limit  int
	window int64
}

// NewLimiter creates a limiter allowing limit requests per window.
func NewLimiter(store ports.QuotaStore, limit int, window time.Duration) (*Limiter, error) {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return nil, ErrInvalidWindow
	}
	if limit < 0 {
		return nil, fmt.Errorf("quota limit must not be negative: %d", limit)
	}
	return &Limiter{store: store, limit: limit, window: secs}, nil
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return time.Duration(l.window) * time.Second }

// CheckAndConsume decides whether subjectID may make a request at now and,
// if so, records it. Concurrent calls for the same subject are serialized by
// the store.
func (l *Limiter) CheckAndConsume(ctx context.Context, subjectID string, now time.Time) (Decision, error) {
	var d Decision
	err := l.store.UpdateQuota(ctx, subjectID, func(current *domain.QuotaCounter) (*domain.QuotaCounter, error) {
		var next *domain.QuotaCounter
		next, d = Decide(current, subjectID, now.Unix(), l.limit, l.window)
		return next, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("quota check for %s: %w", subjectID, err)
	}
	return d, nil
}

// Status returns the subject's standing in the current window without
// consuming anything.
func (l *Limiter) Status(ctx context.Context, subjectID string, now time.Time) (Decision, error) {
	counter, err := l.store.GetQuota(ctx, subjectID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota status for %s: %w", subjectID, err)
	}

	ts := now.Unix()
	windowStart := ts - ts%l.window
	d := Decision{
		Limit:       l.limit,
		Remaining:   l.limit,
		WindowStart: windowStart,
		ResetAt:     windowStart + l.window,
	}

	if counter != nil && counter.WindowStart >= windowStart {
		d.Remaining = max(0, l.limit-counter.RequestCount)
	}
	d.Allowed = d.Remaining > 0
	return d, nil
}
