package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/euforicio/sitemd/internal/metrics"
)

func TestPrometheusRecorder(t *testing.T) {
	t.Parallel()
	reg := prom.NewRegistry()
	pr := metrics.NewPrometheusRecorder(reg)

	pr.ObserveCycleDuration(250 * time.Millisecond)
	pr.IncCycleOutcome(metrics.CycleSuccess)
	pr.IncCycleOutcome(metrics.CycleSuccess)
	pr.IncCycleOutcome(metrics.CycleAborted)
	pr.AddItemOutcomes(4, 3, 1)
	pr.ObserveStageDuration("generate", 10*time.Millisecond)
	pr.IncCoalescedRebuild()
	pr.IncLiveReloadBroadcast(2)

	expected := `
# HELP sitemd_build_cycles_total Build cycles by terminal state
# TYPE sitemd_build_cycles_total counter
sitemd_build_cycles_total{outcome="aborted"} 1
sitemd_build_cycles_total{outcome="success"} 2
# HELP sitemd_pages_total Page generation outcomes
# TYPE sitemd_pages_total counter
sitemd_pages_total{outcome="failed"} 1
sitemd_pages_total{outcome="generated"} 4
sitemd_pages_total{outcome="skipped"} 3
# HELP sitemd_coalesced_rebuilds_total Rebuild requests merged into a pending cycle
# TYPE sitemd_coalesced_rebuilds_total counter
sitemd_coalesced_rebuilds_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sitemd_build_cycles_total", "sitemd_pages_total", "sitemd_coalesced_rebuilds_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "sitemd_coalesced_rebuilds_total"); err != nil || n != 1 {
		t.Fatalf("expected coalesced rebuild series, got n=%d err=%v", n, err)
	}
}

func TestHTTPHandler(t *testing.T) {
	t.Parallel()
	reg := prom.NewRegistry()
	metrics.NewPrometheusRecorder(reg).IncLiveReloadBroadcast(3)

	rec := httptest.NewRecorder()
	metrics.HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sitemd_livereload_clients 3") {
		t.Fatalf("expected gauge in output:\n%s", rec.Body.String())
	}
}

func TestNoopRecorder(t *testing.T) {
	t.Parallel()
	var r metrics.Recorder = metrics.NoopRecorder{}
	r.IncCycleOutcome(metrics.CycleSuccess)
	r.AddItemOutcomes(1, 2, 3)
}
