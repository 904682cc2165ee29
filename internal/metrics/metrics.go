package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_evaluations_total",
			Help: "Total number of rule evaluations by outcome",
		},
		[]string{"outcome"}, // baseline, unchanged, disarmed, fired, suppressed, stale, error
	)

	EvaluationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricealert_evaluation_conflicts_total",
			Help: "Total number of state commits that lost a version race",
		},
	)

	FiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_fires_total",
			Help: "Total number of fire events committed",
		},
		[]string{"symbol", "operator"},
	)

	// Tick metrics
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricealert_tick_duration_seconds",
			Help:    "Duration of a full polling tick",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	QuoteFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_quote_fetch_errors_total",
			Help: "Total number of failed quote fetches",
		},
		[]string{"source", "reason"}, // reason: unavailable, rate_limited, unknown_symbol, error
	)

	// Delivery metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_deliveries_total",
			Help: "Total number of delivery sends by channel kind and result",
		},
		[]string{"kind", "result"}, // result: sent, failed, exhausted
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricealert_delivery_duration_seconds",
			Help:    "Channel send latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	RetriesClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricealert_retries_claimed_total",
			Help: "Total number of delivery attempts claimed for retry",
		},
	)

	FiresRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricealert_fires_recovered_total",
			Help: "Total number of committed fires re-dispatched after an interrupted fan-out",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricealert_worker_queue_size",
			Help: "Current number of queued evaluation jobs",
		},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricealert_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
)
