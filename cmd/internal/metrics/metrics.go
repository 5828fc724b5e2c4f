// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlog_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatlog_http_request_duration_seconds",
			Help:    "HTTP request duration, including the full streamed body",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"method", "route"},
	)

	// Ingestion metrics
	IngestActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlog_ingest_actions_total",
			Help: "Actions applied by the ingestion worker",
		},
		[]string{"kind", "result"}, // kind: store|delete|notice|ignore
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatlog_ingest_queue_depth",
			Help: "Actions waiting in the ingestion queue",
		},
	)

	TransportReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlog_transport_reconnects_total",
			Help: "Chat transport reconnect attempts",
		},
	)

	// Rollup metrics
	RollupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlog_rollup_runs_total",
			Help: "Rollup runs by trigger and outcome",
		},
		[]string{"trigger", "result"}, // trigger: midnight|manual|once
	)

	RollupMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlog_rollup_messages_total",
			Help: "Messages written to rollup files",
		},
		[]string{"channel"},
	)

	RollupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatlog_rollup_duration_seconds",
			Help:    "Wall time of one rollup run",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlog_search_requests_total",
			Help: "Search requests by outcome",
		},
		[]string{"result"}, // ok|bad_request|error|truncated
	)

	SearchLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatlog_search_lines_total",
			Help: "Lines streamed to search clients",
		},
	)
)
