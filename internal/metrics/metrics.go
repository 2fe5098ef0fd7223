// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/khjohns/unified-timeline/internal/domain"
)

var (
	initOnce sync.Once

	eventsAppendedCounter     *prometheus.CounterVec
	concurrencyConflictsCount prometheus.Counter
	structuralRejectionsCount prometheus.Counter
	projectionDurationMetric  prometheus.Histogram
	webhookDeliveriesCounter  *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		eventsAppendedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "case_events_appended_total",
				Help: "Total number of events appended to case logs by event type.",
			},
			[]string{"type"},
		)

		concurrencyConflictsCount = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "case_append_conflicts_total",
				Help: "Total number of appends rejected by the optimistic concurrency check.",
			},
		)

		structuralRejectionsCount = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "case_structural_rejections_total",
				Help: "Total number of submissions rejected for structural rule violations.",
			},
		)

		projectionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "case_projection_duration_seconds",
				Help:    "Duration of full case state projections in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of outbound append notifications by outcome.",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			eventsAppendedCounter,
			concurrencyConflictsCount,
			structuralRejectionsCount,
			projectionDurationMetric,
			webhookDeliveriesCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, eventType := range domain.KnownEventTypes() {
			eventsAppendedCounter.WithLabelValues(string(eventType))
		}
		for _, outcome := range []string{"ok", "failed", "canceled", "error"} {
			webhookDeliveriesCounter.WithLabelValues(outcome)
		}
	})
}

func IncEventAppended(eventType string) {
	Init()
	eventsAppendedCounter.WithLabelValues(eventType).Inc()
}

func IncConcurrencyConflict() {
	Init()
	concurrencyConflictsCount.Inc()
}

func IncStructuralRejection() {
	Init()
	structuralRejectionsCount.Inc()
}

func ObserveProjectionDuration(d time.Duration) {
	Init()
	projectionDurationMetric.Observe(d.Seconds())
}

func IncWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(outcome).Inc()
}
