package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dispatchkit/dispatchkit/pkg/events"
	"github.com/dispatchkit/dispatchkit/pkg/model"
)

func TestMonitor_HealthyByDefault(t *testing.T) {
	m := New(DefaultThresholds(), nil, nil)
	assert.Equal(t, Healthy, m.Health())
}

func TestMonitor_DegradesOnFailureRate(t *testing.T) {
	thresholds := Thresholds{DegradedFailureRate: 0.3, UnhealthyFailureRate: 0.8, Window: 10}
	m := New(thresholds, nil, nil)

	for i := 0; i < 6; i++ {
		m.Publish(events.Event{Kind: events.Succeeded})
	}
	for i := 0; i < 4; i++ {
		m.Publish(events.Event{Kind: events.Failed, Outcome: model.TransportError})
	}

	assert.Equal(t, Degraded, m.Health())
}

func TestMonitor_UnhealthyOnHighFailureRate(t *testing.T) {
	thresholds := Thresholds{DegradedFailureRate: 0.2, UnhealthyFailureRate: 0.5, Window: 10}
	m := New(thresholds, nil, nil)

	for i := 0; i < 8; i++ {
		m.Publish(events.Event{Kind: events.Failed, Outcome: model.Timeout})
	}

	assert.Equal(t, Unhealthy, m.Health())
}

func TestMonitor_FiresAndResolvesAlert(t *testing.T) {
	var fired, resolved int
	onAlert := func(a Alert) {
		if a.Status == StatusFiring {
			fired++
		} else {
			resolved++
		}
	}

	thresholds := Thresholds{DegradedFailureRate: 0.5, UnhealthyFailureRate: 0.9, Window: 4}
	m := New(thresholds, nil, onAlert)

	// The first failure puts the rate at 1.0, crossing both the degraded
	// (0.5) and the unhealthy (0.9) rule, so two alerts fire; the
	// successes then bring the rate back under each, resolving both.
	for i := 0; i < 4; i++ {
		m.Publish(events.Event{Kind: events.Failed, Outcome: model.TransportError})
	}
	assert.Equal(t, 2, fired)

	for i := 0; i < 4; i++ {
		m.Publish(events.Event{Kind: events.Succeeded})
	}
	assert.Equal(t, 2, resolved)
}

func TestMonitor_QueueDepthAlert(t *testing.T) {
	var firedMetrics []string
	onAlert := func(a Alert) {
		if a.Status == StatusFiring {
			firedMetrics = append(firedMetrics, a.MetricName)
		}
	}

	m := New(Thresholds{MaxQueueDepth: 5, Window: 10}, nil, onAlert)
	m.SetQueueDepth(10)

	assert.Contains(t, firedMetrics, "queue.size")
}

func TestMonitor_QueueDepthAlertCarriesObservedValueAndSeverity(t *testing.T) {
	m := New(Thresholds{MaxQueueDepth: 5, Window: 10}, nil, nil)
	m.SetQueueDepth(10)

	alerts := m.Alerts()
	assert.Len(t, alerts, 1)
	assert.Equal(t, "queue.size", alerts[0].MetricName)
	assert.Equal(t, float64(10), alerts[0].ObservedValue)
	assert.Equal(t, float64(5), alerts[0].Threshold)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Equal(t, StatusFiring, alerts[0].Status)
}

func TestMonitor_UnhealthyFailureRateAlertIsCritical(t *testing.T) {
	m := New(Thresholds{DegradedFailureRate: 0.2, UnhealthyFailureRate: 0.5, Window: 10}, nil, nil)
	for i := 0; i < 8; i++ {
		m.Publish(events.Event{Kind: events.Failed, Outcome: model.Timeout})
	}

	var sawCritical bool
	for _, a := range m.Alerts() {
		if a.Severity == SeverityCritical {
			sawCritical = true
		}
	}
	assert.True(t, sawCritical, "crossing the unhealthy threshold must fire a CRITICAL alert")
}

func TestMonitor_RegisterThresholdCustomMetric(t *testing.T) {
	var fired []Alert
	m := New(DefaultThresholds(), nil, func(a Alert) {
		if a.Status == StatusFiring {
			fired = append(fired, a)
		}
	})
	m.RegisterThreshold("requests.retried", GreaterOrEqual, 3, SeverityMedium)

	for i := 0; i < 3; i++ {
		m.Publish(events.Event{Kind: events.RetryScheduled})
	}

	assert.Len(t, fired, 1)
	assert.Equal(t, "requests.retried", fired[0].MetricName)
	assert.Equal(t, SeverityMedium, fired[0].Severity)
}

func TestMonitor_CountersUseSpecMetricNames(t *testing.T) {
	m := New(DefaultThresholds(), func() time.Time { return time.Unix(0, 0) }, nil)
	m.Publish(events.Event{Kind: events.Submitted})
	m.Publish(events.Event{Kind: events.Submitted})
	m.Publish(events.Event{Kind: events.Succeeded})
	m.Publish(events.Event{Kind: events.Failed, Outcome: model.Timeout})
	m.Publish(events.Event{Kind: events.RetryScheduled})
	m.Publish(events.Event{Kind: events.CacheHit})
	m.Publish(events.Event{Kind: events.CacheMiss})
	m.Publish(events.Event{Kind: events.BreakerRejected})

	counters := m.Counters()
	assert.Equal(t, uint64(2), counters["requests.submitted"])
	assert.Equal(t, uint64(1), counters["requests.succeeded"])
	assert.Equal(t, uint64(1), counters["requests.failed"])
	assert.Equal(t, uint64(1), counters["requests.retried"])
	assert.Equal(t, uint64(1), counters["cache.hits"])
	assert.Equal(t, uint64(1), counters["cache.misses"])
	assert.Equal(t, uint64(1), counters["breaker.opens"])
}

func TestMonitor_HistogramsObserveDurationEvents(t *testing.T) {
	m := New(DefaultThresholds(), nil, nil)

	m.Publish(events.Event{Kind: events.Dequeued, Duration: 50 * time.Millisecond})
	m.Publish(events.Event{Kind: events.Dequeued, Duration: 150 * time.Millisecond})
	m.Publish(events.Event{Kind: events.Succeeded, Duration: 200 * time.Millisecond})

	var sawQueueWait, sawRequestDuration bool
	for _, p := range m.Snapshot() {
		switch p.Name {
		case "queue.wait":
			sawQueueWait = true
			assert.InDelta(t, 0.1, p.Value, 1e-9)
		case "request.duration":
			sawRequestDuration = true
			assert.InDelta(t, 0.2, p.Value, 1e-9)
		}
	}
	assert.True(t, sawQueueWait)
	assert.True(t, sawRequestDuration)
}

func TestMonitor_InflightGaugeTracksAttemptedVersusResolved(t *testing.T) {
	m := New(DefaultThresholds(), nil, nil)

	m.Publish(events.Event{Kind: events.Attempted})
	m.Publish(events.Event{Kind: events.Attempted})

	var inflight float64
	for _, p := range m.Snapshot() {
		if p.Name == "inflight" {
			inflight = p.Value
		}
	}
	assert.Equal(t, float64(2), inflight)

	m.Publish(events.Event{Kind: events.Succeeded})

	for _, p := range m.Snapshot() {
		if p.Name == "inflight" {
			inflight = p.Value
		}
	}
	assert.Equal(t, float64(1), inflight)
}
