package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitemd"

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	cycleDuration      prom.Histogram
	cycleOutcomes      *prom.CounterVec
	itemOutcomes       *prom.CounterVec
	stageDuration      *prom.HistogramVec
	coalescedRebuilds  prom.Counter
	liveReloadMessages prom.Counter
	liveReloadClients  prom.Gauge
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder constructs the collectors and registers them with reg.
// A nil reg uses a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		cycleDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_cycle_duration_seconds",
			Help:      "Duration of complete build cycles",
			Buckets:   prom.DefBuckets,
		}),
		cycleOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_cycles_total",
			Help:      "Build cycles by terminal state",
		}, []string{"outcome"}),
		itemOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Page generation outcomes",
		}, []string{"outcome"}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual build stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		coalescedRebuilds: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_rebuilds_total",
			Help:      "Rebuild requests merged into a pending cycle",
		}),
		liveReloadMessages: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "livereload_broadcasts_total",
			Help:      "Live reload notifications sent",
		}),
		liveReloadClients: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "livereload_clients",
			Help:      "Clients reached by the last live reload notification",
		}),
	}
	reg.MustRegister(
		pr.cycleDuration,
		pr.cycleOutcomes,
		pr.itemOutcomes,
		pr.stageDuration,
		pr.coalescedRebuilds,
		pr.liveReloadMessages,
		pr.liveReloadClients,
	)
	return pr
}

func (p *PrometheusRecorder) ObserveCycleDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.cycleDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncCycleOutcome(outcome CycleOutcome) {
	if p == nil {
		return
	}
	p.cycleOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) AddItemOutcomes(generated, skipped, failed int) {
	if p == nil {
		return
	}
	p.itemOutcomes.WithLabelValues("generated").Add(float64(generated))
	p.itemOutcomes.WithLabelValues("skipped").Add(float64(skipped))
	p.itemOutcomes.WithLabelValues("failed").Add(float64(failed))
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncCoalescedRebuild() {
	if p == nil {
		return
	}
	p.coalescedRebuilds.Inc()
}

func (p *PrometheusRecorder) IncLiveReloadBroadcast(clients int) {
	if p == nil {
		return
	}
	p.liveReloadMessages.Inc()
	p.liveReloadClients.Set(float64(clients))
}

// HTTPHandler serves the metrics gathered by reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
