// Package metrics holds the prometheus collectors shared by the connection cache, command nodes,
// and the relay server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "ewelink_"

// Acquire results.
const (
	AcquireHit    = "hit"    // Session already cached.
	AcquireMiss   = "miss"   // Caller started a new authentication exchange.
	AcquireShared = "shared" // Caller joined an exchange started by someone else.
	AcquireError  = "error"
)

// Command outcomes.
const (
	OutcomeEmitted    = "emitted"
	OutcomeSuppressed = "suppressed"
	OutcomeFailed     = "failed"
)

const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	sessionAcquires *prometheus.CounterVec
	authExchanges   *prometheus.CounterVec
	cachedSessions  prometheus.Gauge
	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
)

func init() {
	sessionAcquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "session_acquire_total",
			Help: "Session acquisitions by result",
		},
		[]string{"result"},
	)
	authExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "auth_exchanges_total",
			Help: "Authentication exchanges with the cloud by result",
		},
		[]string{"result"},
	)
	cachedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "cached_sessions",
			Help: "Number of authenticated sessions held by connection caches",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "commands_total",
			Help: "Command node invocations by outcome",
		},
		[]string{"outcome"},
	)
	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "command_latency_seconds",
			Help:    "Command node invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
}

// Register adds the collectors to the default prometheus registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionAcquires, authExchanges, cachedSessions, commands, commandLatency)
	})
}

func ObserveAcquire(result string) {
	sessionAcquires.WithLabelValues(result).Inc()
}

func ObserveAuthExchange(err error) {
	if err != nil {
		authExchanges.WithLabelValues(ResultError).Inc()
		return
	}
	authExchanges.WithLabelValues(ResultSuccess).Inc()
}

func AddCachedSessions(delta int) {
	cachedSessions.Add(float64(delta))
}

func ObserveCommand(outcome string, seconds float64) {
	commands.WithLabelValues(outcome).Inc()
	commandLatency.WithLabelValues(outcome).Observe(seconds)
}

// Collectors exposes the collectors for tests and custom registries.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{sessionAcquires, authExchanges, cachedSessions, commands, commandLatency}
}

// AcquireCount returns the number of acquisitions recorded with result.
func AcquireCount(result string) prometheus.Counter {
	return sessionAcquires.WithLabelValues(result)
}

// CommandCount returns the counter for command outcome.
func CommandCount(outcome string) prometheus.Counter {
	return commands.WithLabelValues(outcome)
}
