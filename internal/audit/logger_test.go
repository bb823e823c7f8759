package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
	"github.com/tjfontaine/surveyor-gateway/internal/metrics"
)

type fakeStore struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	err     error
	gate    chan struct{} // when set, AppendAudit waits on it
}

func (f *fakeStore) AppendAudit(ctx context.Context, rec *domain.AuditRecord) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeStore) ListAuditRecords(ctx context.Context, opts ports.AuditListOptions) ([]*domain.AuditRecord, error) {
	return nil, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type countingMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	failures map[string]int
}

func (c *countingMetrics) RecordAuditFailure(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = make(map[string]int)
	}
	c.failures[reason]++
}

func (c *countingMetrics) get(reason string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[reason]
}

func TestLogger_RecordAndClose(t *testing.T) {
	store := &fakeStore{}
	l := NewLogger(store, 16)

	for i := 0; i < 5; i++ {
		l.Record(domain.AuditRecord{RequestID: "r", Endpoint: "/api/tags", Method: "GET", StatusCode: 200})
	}

	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := store.count(); got != 5 {
		t.Errorf("records = %d, want 5", got)
	}
	if store.records[0].Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestLogger_RecordNeverBlocks(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	m := &countingMetrics{}
	l := NewLogger(store, 2, WithMetrics(m))

	done := make(chan struct{})
	go func() {
		// one in flight in the worker, two queued, the rest dropped
		for i := 0; i < 10; i++ {
			l.Record(domain.AuditRecord{RequestID: "r", StatusCode: 200})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record() blocked on a stalled store")
	}

	if got := m.get("queue_full"); got < 7 {
		t.Errorf("queue_full drops = %d, want at least 7", got)
	}

	close(store.gate)
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := store.count(); got+m.get("queue_full") != 10 {
		t.Errorf("written %d + dropped %d != 10", got, m.get("queue_full"))
	}
}

func TestLogger_StoreFailureIsIsolated(t *testing.T) {
	store := &fakeStore{err: errors.New("database is locked")}
	m := &countingMetrics{}
	l := NewLogger(store, 4, WithMetrics(m))

	l.Record(domain.AuditRecord{RequestID: "r1", StatusCode: 502})
	l.Record(domain.AuditRecord{RequestID: "r2", StatusCode: 200})

	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := m.get("store"); got != 2 {
		t.Errorf("store failures = %d, want 2", got)
	}
}

func TestLogger_RecordAfterClose(t *testing.T) {
	m := &countingMetrics{}
	l := NewLogger(&fakeStore{}, 4, WithMetrics(m))

	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	l.Record(domain.AuditRecord{RequestID: "late"})

	if got := m.get("closed"); got != 1 {
		t.Errorf("closed drops = %d, want 1", got)
	}
	// second Close is a no-op
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLogger_CloseHonorsContext(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	l := NewLogger(store, 4)
	l.Record(domain.AuditRecord{RequestID: "stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() error = %v, want DeadlineExceeded", err)
	}
	close(store.gate)
}
