// Package metrics exposes Prometheus collectors for registry traffic,
// matching, task observation and workflow stages.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketrun",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Registry, settlement and storage requests.",
		},
		[]string{"service", "op", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketrun",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Registry, settlement and storage request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "op"},
	)
	matchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketrun",
			Subsystem: "match",
			Name:      "outcomes_total",
			Help:      "Match attempts by outcome.",
		},
		[]string{"outcome"},
	)
	observePolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketrun",
			Subsystem: "observe",
			Name:      "polls_total",
			Help:      "Task state polls.",
		},
	)
	taskTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketrun",
			Subsystem: "observe",
			Name:      "results_total",
			Help:      "Observation results by outcome.",
		},
		[]string{"outcome"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketrun",
			Subsystem: "workflow",
			Name:      "stage_duration_seconds",
			Help:      "Workflow stage duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"stage", "success"},
	)
)

// Register adds the collectors to the default registry. It is safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcRequests, rpcDuration, matchOutcomes, observePolls, taskTerminal, stageDuration)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// RecordRPC counts one remote call and observes its duration. status is the
// HTTP status code, or 0 when no response arrived.
func RecordRPC(service, op string, status int, duration time.Duration) {
	Register()
	rpcRequests.WithLabelValues(service, op, strconv.Itoa(status)).Inc()
	rpcDuration.WithLabelValues(service, op).Observe(duration.Seconds())
}

// RecordMatch counts one match attempt by outcome.
func RecordMatch(outcome string) {
	Register()
	matchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPoll counts one task state poll.
func RecordPoll() {
	Register()
	observePolls.Inc()
}

// RecordObservation counts one finished observation by outcome.
func RecordObservation(outcome string) {
	Register()
	taskTerminal.WithLabelValues(outcome).Inc()
}

// RecordStage observes how long a workflow stage took.
func RecordStage(stage string, duration time.Duration, success bool) {
	Register()
	stageDuration.WithLabelValues(stage, strconv.FormatBool(success)).Observe(duration.Seconds())
}
