package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/api/middleware"
	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/quota"
	"github.com/tjfontaine/surveyor-gateway/internal/storage/sqldb"
)

var fixedNow = time.Unix(1700000000, 0) // window [1699999200, 1700002800)

type fakeVerifier struct {
	calls int
	delay time.Duration
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (*domain.Identity, error) {
	f.calls++
	time.Sleep(f.delay)
	if !strings.HasPrefix(token, "good-") {
		return nil, errors.New("token verification failed")
	}
	sub := strings.TrimPrefix(token, "good-")
	return &domain.Identity{SubjectID: sub, Email: sub + "@example.com", Name: "User " + sub}, nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (a *recordingAuditor) Record(rec domain.AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *recordingAuditor) last(t *testing.T) domain.AuditRecord {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.records) == 0 {
		t.Fatal("no audit record")
	}
	return a.records[len(a.records)-1]
}

func (a *recordingAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type harness struct {
	pipeline *Pipeline
	store    *sqldb.Store
	verifier *fakeVerifier
	audit    *recordingAuditor
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()

	store, err := sqldb.NewSQLite(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	limiter, err := quota.NewLimiter(store, limit, time.Hour)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	h := &harness{store: store, verifier: &fakeVerifier{}, audit: &recordingAuditor{}}
	h.pipeline = New(Config{
		Verifier:   h.verifier,
		Identities: store,
		Quota:      limiter,
		Audit:      h.audit,
		Now:        func() time.Time { return fixedNow },
	})
	return h
}

func (h *harness) serve(next http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", "pipeline-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	middleware.RequestIDMiddleware(h.pipeline.Handler(next)).ServeHTTP(rec, req)
	return rec
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestPipeline_StageOrder(t *testing.T) {
	h := newHarness(t, 10)
	if got, want := h.pipeline.Stages(), []string{"authenticate", "quota"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Stages() = %v, want %v", got, want)
	}
}

func TestPipeline_PublicPathsBypass(t *testing.T) {
	h := newHarness(t, 0)

	for _, path := range DefaultPublicPaths {
		t.Run(path, func(t *testing.T) {
			calls := 0
			rec := h.serve(okHandler(&calls), http.MethodGet, path, "")
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if calls != 1 {
				t.Errorf("handler calls = %d, want 1", calls)
			}
		})
	}

	if h.audit.count() != 0 {
		t.Errorf("public paths audited: %d records", h.audit.count())
	}
	if h.verifier.calls != 0 {
		t.Errorf("verifier called %d times for public paths", h.verifier.calls)
	}
}

func TestPipeline_AuthenticationFailures(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantDetail string
	}{
		{name: "missing header", wantDetail: "Authentication required"},
		{name: "wrong scheme", header: "Basic abc", wantDetail: "Authentication required"},
		{name: "rejected token", header: "Bearer forged", wantDetail: "Invalid or expired token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10)
			calls := 0

			req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.pipeline.Handler(okHandler(&calls)).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := decodeDetail(t, rec)["detail"]; got != tt.wantDetail {
				t.Errorf("detail = %v, want %q", got, tt.wantDetail)
			}
			if calls != 0 {
				t.Error("handler reached on authentication failure")
			}

			audit := h.audit.last(t)
			if audit.StatusCode != http.StatusUnauthorized || audit.SubjectID != domain.AnonymousSubject {
				t.Errorf("audit = %+v, want 401 anonymous", audit)
			}
			if audit.ErrorMessage == "" {
				t.Error("audit error_message empty for rejection")
			}

			counter, _ := h.store.GetQuota(context.Background(), "forged")
			if counter != nil {
				t.Error("quota consumed for unauthenticated request")
			}
		})
	}
}

func TestPipeline_SuccessfulRequest(t *testing.T) {
	h := newHarness(t, 3)

	var seen *domain.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
		WriteJSON(w, http.StatusOK, map[string]string{"models": "[]"})
	})

	rec := h.serve(next, http.MethodGet, "/api/tags", "good-alice")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen == nil || seen.SubjectID != "alice" {
		t.Fatalf("identity in context = %+v, want alice", seen)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Errorf("X-RateLimit-Remaining = %q, want 2", got)
	}

	stored, err := h.store.GetIdentity(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if stored.Email != "alice@example.com" {
		t.Errorf("stored email = %q", stored.Email)
	}

	audit := h.audit.last(t)
	if audit.SubjectID != "alice" || audit.StatusCode != http.StatusOK {
		t.Errorf("audit = %+v, want alice 200", audit)
	}
	if audit.Endpoint != "/api/tags" || audit.Method != http.MethodGet {
		t.Errorf("audit endpoint/method = %s %s", audit.Method, audit.Endpoint)
	}
	if audit.IPAddress != "203.0.113.7" || audit.UserAgent != "pipeline-test" {
		t.Errorf("audit client = %s %q", audit.IPAddress, audit.UserAgent)
	}
	if audit.RequestID == "" || audit.RequestID != rec.Header().Get("X-Request-ID") {
		t.Errorf("audit request id = %q, header %q", audit.RequestID, rec.Header().Get("X-Request-ID"))
	}
	if !audit.Timestamp.Equal(fixedNow) {
		t.Errorf("audit timestamp = %v, want %v", audit.Timestamp, fixedNow)
	}
}

func TestPipeline_QuotaExceeded(t *testing.T) {
	h := newHarness(t, 2)
	calls := 0

	for i := 0; i < 2; i++ {
		if rec := h.serve(okHandler(&calls), http.MethodPost, "/api/generate", "good-bob"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := h.serve(okHandler(&calls), http.MethodPost, "/api/generate", "good-bob")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}

	body := decodeDetail(t, rec)
	if body["detail"] != "Rate limit exceeded" {
		t.Errorf("detail = %v", body["detail"])
	}
	if body["reset_at"] != float64(1700002800) {
		t.Errorf("reset_at = %v, want 1700002800", body["reset_at"])
	}

	checks := map[string]string{
		"X-RateLimit-Limit":     "2",
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     "1700002800",
	}
	for k, want := range checks {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	if audit := h.audit.last(t); audit.StatusCode != http.StatusTooManyRequests || audit.SubjectID != "bob" {
		t.Errorf("audit = %+v, want 429 bob", audit)
	}

	counter, _ := h.store.GetQuota(context.Background(), "bob")
	if counter.RequestCount != 2 {
		t.Errorf("count after denial = %d, want 2", counter.RequestCount)
	}
}

func TestPipeline_ZeroLimitDeniesEverything(t *testing.T) {
	h := newHarness(t, 0)
	calls := 0

	rec := h.serve(okHandler(&calls), http.MethodGet, "/api/tags", "good-carol")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if calls != 0 {
		t.Error("handler reached with zero limit")
	}
}

func TestPipeline_ForwarderErrorIsAudited(t *testing.T) {
	h := newHarness(t, 10)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetError(r.Context(), errors.New("dial tcp 10.0.0.1:11434: connection refused"))
		WriteError(w, domain.ErrBackendUnavailable(errors.New("connection refused")))
	})

	rec := h.serve(next, http.MethodGet, "/api/tags", "good-dave")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	audit := h.audit.last(t)
	if audit.StatusCode != http.StatusBadGateway {
		t.Errorf("audit status = %d, want 502", audit.StatusCode)
	}
	if !strings.Contains(audit.ErrorMessage, "connection refused") {
		t.Errorf("audit error_message = %q", audit.ErrorMessage)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestPipeline_PanicIsAuditedAndRepanicked(t *testing.T) {
	h := newHarness(t, 10)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	func() {
		defer func() {
			if rec := recover(); rec != "boom" {
				t.Errorf("recovered %v, want boom", rec)
			}
		}()
		h.serve(next, http.MethodGet, "/api/tags", "good-erin")
	}()

	if h.audit.count() != 1 {
		t.Fatalf("audit records = %d, want 1", h.audit.count())
	}
	audit := h.audit.last(t)
	if audit.StatusCode != http.StatusInternalServerError {
		t.Errorf("audit status = %d, want 500", audit.StatusCode)
	}
	if !strings.Contains(audit.ErrorMessage, "boom") {
		t.Errorf("audit error_message = %q, want panic text", audit.ErrorMessage)
	}
}

func TestPipeline_LatencyIsTimeToHeaders(t *testing.T) {
	h := newHarness(t, 10)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"done":true}` + "\n"))
	})

	rec := h.serve(next, http.MethodPost, "/api/chat", "good-frank")
	if !rec.Flushed {
		t.Error("Flush() not forwarded")
	}

	audit := h.audit.last(t)
	if audit.Latency >= 150*time.Millisecond {
		t.Errorf("latency = %v, want time to headers (< 150ms)", audit.Latency)
	}
}

func TestPipeline_LatencyExcludesAuthentication(t *testing.T) {
	h := newHarness(t, 10)
	h.verifier.delay = 200 * time.Millisecond

	calls := 0
	rec := h.serve(okHandler(&calls), http.MethodGet, "/api/tags", "good-grace")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	audit := h.audit.last(t)
	if audit.Latency >= 200*time.Millisecond {
		t.Errorf("latency = %v, want backend time only (< 200ms)", audit.Latency)
	}
}

func TestPipeline_RejectedLatencyFromEntry(t *testing.T) {
	h := newHarness(t, 10)
	h.verifier.delay = 50 * time.Millisecond

	calls := 0
	rec := h.serve(okHandler(&calls), http.MethodGet, "/api/tags", "bad-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	audit := h.audit.last(t)
	if audit.Latency < 50*time.Millisecond {
		t.Errorf("latency = %v, want time spent in authentication (>= 50ms)", audit.Latency)
	}
}

type failingIdentities struct{}

func (failingIdentities) UpsertIdentity(ctx context.Context, id *domain.Identity, now time.Time) error {
	return errors.New("database is locked")
}

func (failingIdentities) GetIdentity(ctx context.Context, subjectID string) (*domain.Identity, error) {
	return nil, errors.New("database is locked")
}

func TestPipeline_IdentityUpsertFailure(t *testing.T) {
	h := newHarness(t, 10)
	h.pipeline = New(Config{
		Verifier:   h.verifier,
		Identities: failingIdentities{},
		Quota:      h.pipeline.quota,
		Audit:      h.audit,
	})
	calls := 0

	rec := h.serve(okHandler(&calls), http.MethodGet, "/api/tags", "good-gina")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeDetail(t, rec)["detail"]; got != "Internal server error" {
		t.Errorf("detail = %v", got)
	}
	if calls != 0 {
		t.Error("handler reached after upsert failure")
	}
	if !strings.Contains(h.audit.last(t).ErrorMessage, "database is locked") {
		t.Errorf("audit error_message = %q", h.audit.last(t).ErrorMessage)
	}
}

func TestSetError_FirstWins(t *testing.T) {
	ex := &Exchange{}
	ctx := withExchange(context.Background(), ex)

	SetError(ctx, errors.New("first"))
	SetError(ctx, errors.New("second"))
	SetError(ctx, nil)

	if ex.Err() == nil || ex.Err().Error() != "first" {
		t.Errorf("Err() = %v, want first", ex.Err())
	}

	// outside the pipeline it is a no-op
	SetError(context.Background(), errors.New("ignored"))
}
