package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequest("GET", 200, 10*time.Millisecond)
	c.RecordRequest("GET", 200, 20*time.Millisecond)
	c.RecordRequest("POST", 429, time.Millisecond)

	if got := testutil.ToFloat64(c.requests.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("GET 200 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.requests.WithLabelValues("POST", "429")); got != 1 {
		t.Errorf("POST 429 = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.requestDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordQuotaDecision(true)
	c.RecordQuotaDecision(false)
	c.RecordQuotaDecision(false)
	c.RecordAuditFailure("queue_full")
	c.RecordProxyError("timeout")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"allowed", testutil.ToFloat64(c.quotaDecisions.WithLabelValues("allowed")), 1},
		{"denied", testutil.ToFloat64(c.quotaDecisions.WithLabelValues("denied")), 2},
		{"audit queue_full", testutil.ToFloat64(c.auditFailures.WithLabelValues("queue_full")), 1},
		{"proxy timeout", testutil.ToFloat64(c.proxyErrors.WithLabelValues("timeout")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestCollector_SetAuthMode(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SetAuthMode("permissive")
	c.SetAuthMode("verified")

	if got := testutil.CollectAndCount(c.authMode); got != 1 {
		t.Fatalf("auth mode series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(c.authMode.WithLabelValues("verified")); got != 1 {
		t.Errorf("verified = %v, want 1", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordProxyError("unreachable")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `gateway_proxy_errors_total{kind="unreachable"} 1`) {
		t.Errorf("exposition missing proxy error counter:\n%s", body)
	}
}
