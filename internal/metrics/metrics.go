// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_runs_total",
			Help: "Total number of scoring runs",
		},
		[]string{"policy", "status"}, // percentile/fixed/expression, success/error
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osprey_graph_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"stage"}, // features, calibrate, score, alerts
	)

	RecordsScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_records_scored_total",
			Help: "Total number of scored transactions",
		},
		[]string{"severity"},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_alerts_raised_total",
			Help: "Total number of alerts at or above the minimum severity",
		},
		[]string{"severity"},
	)

	// Rule engine metrics
	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_rule_errors_total",
			Help: "Total number of CEL rule evaluation errors",
		},
		[]string{"rule"},
	)

	// Investigation metrics
	Investigations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_investigations_total",
			Help: "Total number of investigation reports requested",
		},
		[]string{"investigator", "status"}, // rules/openai/bus, success/error
	)

	// Event bus metrics
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_bus_messages_total",
			Help: "Total number of event bus messages",
		},
		[]string{"bus", "outcome"}, // channel/nats, published/delivered/dropped/failed
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"layer", "result"}, // local/redis, hit/miss
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osprey_graph_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osprey_graph_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
