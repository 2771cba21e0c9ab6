package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatchkit/dispatchkit/pkg/events"
)

// PrometheusExporter mirrors a Monitor's counters and health state as
// Prometheus metrics and serves them over /metrics. It is an optional
// collaborator; a Coordinator run without one simply has no scrape
// endpoint.
type PrometheusExporter struct {
	outcomeTotal    *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	inflight        prometheus.Gauge
	breakerOpens    prometheus.Gauge
	failureRate     prometheus.Gauge
	healthState     prometheus.Gauge
	alertsActive    *prometheus.GaugeVec
	requestDuration prometheus.Histogram
	queueWait       prometheus.Histogram

	mu          sync.Mutex
	knownAlerts map[string]struct{}

	server *http.Server
}

// NewPrometheusExporter builds the dispatcher's metric families without
// registering them anywhere; Registry registers them against a
// dedicated registry, so repeated construction in tests never collides
// with prometheus.DefaultRegisterer.
func NewPrometheusExporter() *PrometheusExporter {
	e := &PrometheusExporter{
		outcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchkit",
			Subsystem: "requests",
			Name:      "outcome_total",
			Help:      "Total number of resolved requests by final outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchkit",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of entries held in the priority queue.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchkit",
			Subsystem: "requests",
			Name:      "inflight",
			Help:      "Current number of attempts dispatched to the transport and not yet resolved.",
		}),
		breakerOpens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchkit",
			Subsystem: "breaker",
			Name:      "open_count",
			Help:      "Current number of origins whose circuit breaker is OPEN.",
		}),
		failureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchkit",
			Subsystem: "requests",
			Name:      "failure_rate",
			Help:      "Rolling-window fraction of completed attempts that failed.",
		}),
		healthState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchkit",
			Name:      "health_state",
			Help:      "Current health state: 0=HEALTHY, 1=DEGRADED, 2=UNHEALTHY.",
		}),
		alertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatchkit",
			Name:      "alert_active",
			Help:      "Whether a named alert is currently firing (1) or not (0).",
		}, []string{"alert", "severity"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchkit",
			Subsystem: "request",
			Name:      "duration_seconds",
			Help:      "Wall time of a single dispatch attempt, from transport send to resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchkit",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time a descriptor spent queued before its most recent dequeue.",
			Buckets:   prometheus.DefBuckets,
		}),
		knownAlerts: make(map[string]struct{}),
	}
	return e
}

// Registry builds a fresh *prometheus.Registry carrying only this
// exporter's collectors, for use with promhttp.HandlerFor.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		e.outcomeTotal, e.queueDepth, e.inflight, e.breakerOpens,
		e.failureRate, e.healthState, e.alertsActive,
		e.requestDuration, e.queueWait,
	)
	return reg
}

// Handler returns an http.Handler serving this exporter's metrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.Registry(), promhttp.HandlerOpts{})
}

// Publish implements events.Sink, incrementing the outcome counter for
// terminal events and feeding raw per-event durations into the
// histograms (Prometheus histograms observe individual samples, not an
// exported mean).
func (e *PrometheusExporter) Publish(ev events.Event) {
	switch ev.Kind {
	case events.Succeeded, events.Failed:
		e.outcomeTotal.WithLabelValues(ev.Outcome.String()).Inc()
	}
	switch ev.Kind {
	case events.Succeeded, events.Failed:
		if ev.Duration > 0 {
			e.requestDuration.Observe(ev.Duration.Seconds())
		}
	case events.Dequeued:
		if ev.Duration > 0 {
			e.queueWait.Observe(ev.Duration.Seconds())
		}
	}
}

// Observe copies a Monitor's current gauges and alert set into the
// exporter. Called periodically by the coordinator rather than on
// every event, since gauges represent point-in-time state rather than
// counters.
func (e *PrometheusExporter) Observe(m *Monitor, queueDepth int) {
	e.queueDepth.Set(float64(queueDepth))
	e.failureRate.Set(m.FailureRate())
	e.healthState.Set(float64(m.Health()))
	for _, p := range m.Snapshot() {
		switch p.Name {
		case "inflight":
			e.inflight.Set(p.Value)
		case "breaker.open_count":
			e.breakerOpens.Set(p.Value)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(e.knownAlerts))
	for _, a := range m.Alerts() {
		labels := []string{a.ID, a.Severity.String()}
		e.alertsActive.WithLabelValues(labels...).Set(1)
		seen[a.ID] = struct{}{}
	}
	for id := range e.knownAlerts {
		if _, ok := seen[id]; !ok {
			e.alertsActive.DeletePartialMatch(prometheus.Labels{"alert": id})
		}
	}
	e.knownAlerts = seen
}
