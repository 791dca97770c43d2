// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedRequestsTotal     *prometheus.CounterVec
	feedItemsTotal        *prometheus.CounterVec
	stageItemsTotal       *prometheus.CounterVec
	resolverTotal         *prometheus.CounterVec
	uniqueEventsTotal     *prometheus.CounterVec
	regionsSaturatedTotal prometheus.Counter
	rateGateDelaySeconds  prometheus.Histogram
	queueDepth            prometheus.Gauge
	httpRequestsTotal     *prometheus.CounterVec
	httpDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		feedRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigia_feed_requests_total",
				Help: "Total search-feed requests, labeled by region and outcome.",
			},
			[]string{"region", "outcome"},
		)

		feedItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigia_feed_items_total",
				Help: "Total feed items returned, labeled by region.",
			},
			[]string{"region"},
		)

		stageItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigia_stage_items_total",
				Help: "Items processed per pipeline stage, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		resolverTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigia_resolver_total",
				Help: "Link resolutions, labeled by path (offline/rpc) and outcome.",
			},
			[]string{"path", "outcome"},
		)

		uniqueEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigia_unique_events_total",
				Help: "Canonical incident operations, labeled by op (created/merged).",
			},
			[]string{"op"},
		)

		regionsSaturatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vigia_regions_saturated_total",
				Help: "Times a region hit the feed's per-query result cap.",
			},
		)

		rateGateDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vigia_rate_gate_delay_seconds",
				Help:    "Delay introduced by the shared feed rate gate.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigia_queue_depth",
				Help: "Current job queue depth.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigia_http_requests_total",
				Help: "HTTP requests, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigia_http_request_duration_seconds",
				Help:    "HTTP request latency, labeled by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// ObserveFeedRequest records one feed request outcome.
func ObserveFeedRequest(region, outcome string, items int) {
	if feedRequestsTotal == nil {
		return
	}
	feedRequestsTotal.WithLabelValues(region, outcome).Inc()
	if items > 0 {
		feedItemsTotal.WithLabelValues(region).Add(float64(items))
	}
}

// ObserveStageItem records one per-item stage result.
func ObserveStageItem(stage, result string) {
	if stageItemsTotal == nil {
		return
	}
	stageItemsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveResolution records one link-resolution attempt.
func ObserveResolution(path, outcome string) {
	if resolverTotal == nil {
		return
	}
	resolverTotal.WithLabelValues(path, outcome).Inc()
}

// ObserveUniqueEvent records a canonical-incident create or merge.
func ObserveUniqueEvent(op string) {
	if uniqueEventsTotal == nil {
		return
	}
	uniqueEventsTotal.WithLabelValues(op).Inc()
}

// ObserveSaturation counts a region hitting the result cap.
func ObserveSaturation() {
	if regionsSaturatedTotal == nil {
		return
	}
	regionsSaturatedTotal.Inc()
}

// ObserveRateGateDelay records time spent waiting on the feed rate gate.
func ObserveRateGateDelay(d time.Duration) {
	if rateGateDelaySeconds == nil {
		return
	}
	rateGateDelaySeconds.Observe(d.Seconds())
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(n int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(n))
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
