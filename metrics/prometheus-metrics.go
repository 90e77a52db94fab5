package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Constants for metric names and descriptions as well as exported labels for Vector metrics
const (
	namespace       = "proxyns"
	gatewaySubsytem = "gateway"

	invocationsName = "invocations_total"
	invocationsHelp = "The number of external operation invocations by operation and outcome"

	execTimeName = "exec_time"
	execTimeHelp = "Execution time in milliseconds of external operations"

	activeSessionsName = "active_sessions"
	activeSessionsHelp = "The number of namespaces with a running tunnel process"

	operationLabel = "operation"
	outcomeLabel   = "outcome"
	hadErrorLabel  = "had_error"

	quantileMedian float64 = 0.5
	deltaMedian    float64 = 0.05
	quantile90th   float64 = 0.9
	delta90th      float64 = 0.01
	quantil99th    float64 = 0.99
	delta99th      float64 = 0.001
)

// Outcome classifies a single external operation invocation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNonZero   Outcome = "nonzero"
	OutcomeSpawn     Outcome = "spawn_failure"
	OutcomeAbandoned Outcome = "abandoned"
)

var (
	registry = prometheus.NewRegistry()
	initOnce sync.Once

	// quantiles e.g. the "0.5 quantile" with delta 0.05 will actually be the phi quantile for some phi in [0.5 - 0.05, 0.5 + 0.05]
	execTimeQuantiles = map[float64]float64{quantileMedian: deltaMedian, quantile90th: delta90th, quantil99th: delta99th}

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: gatewaySubsytem,
			Name:      invocationsName,
			Help:      invocationsHelp,
		},
		[]string{operationLabel, outcomeLabel},
	)

	execTime = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  gatewaySubsytem,
			Name:       execTimeName,
			Help:       execTimeHelp,
			Objectives: execTimeQuantiles,
		},
		[]string{operationLabel, hadErrorLabel},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      activeSessionsName,
			Help:      activeSessionsHelp,
		},
	)
)

// InitializeAll registers every proxyns collector on the package registry. Safe to call more than once.
func InitializeAll() {
	initOnce.Do(func() {
		registry.MustRegister(
			invocations,
			execTime,
			activeSessions,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the package registry in the prometheus exposition format.
func Handler() http.Handler {
	InitializeAll()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// RecordInvocation counts one external operation call.
func RecordInvocation(operation string, outcome Outcome) {
	invocations.With(prometheus.Labels{operationLabel: operation, outcomeLabel: string(outcome)}).Inc()
}

// SetActiveSessions sets the number of namespaces with a live tunnel.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func getErrorLabels(operation string, hadError bool) prometheus.Labels {
	return prometheus.Labels{operationLabel: operation, hadErrorLabel: strconv.FormatBool(hadError)}
}
