package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qa-infra/qa-acceptor/types"
)

const (
	MetricsNamespace = "qa_acceptor"
)

var (
	validStatuses = []types.Status{
		types.StatusPassed, types.StatusFailed, types.StatusErrored, types.StatusSkipped,
	}
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of suite runs by terminal state",
	}, []string{
		"suite",
		"state",
	})

	caseOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "case_outcomes_total",
		Help:      "Count of test case outcomes",
	}, []string{
		"suite",
		"status",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the most recent run per suite",
	}, []string{
		"suite",
	})

	poolSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "pool_sessions",
		Help:      "Session pool occupancy",
	}, []string{
		"state",
	})

	reportFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "report_failures_total",
		Help:      "Count of failed report generations",
	})

	endpointHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "endpoint_health",
		Help:      "Latest health probe result per monitored endpoint (1=healthy)",
	}, []string{
		"endpoint",
		"status",
	})

	endpointResponseTime = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "endpoint_response_time_ms",
		Help:      "Latest health probe response time per monitored endpoint",
	}, []string{
		"endpoint",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordRun records the terminal state and duration of one suite run.
// Per-case counts are recorded as outcomes arrive via RecordOutcome.
func RecordRun(suite string, state types.RunState, duration time.Duration) {
	runsTotal.WithLabelValues(suite, string(state)).Inc()
	runDuration.WithLabelValues(suite).Set(duration.Seconds())
}

// RecordOutcome increments the counter for one case outcome.
func RecordOutcome(suite string, status types.Status) {
	if !isValidStatus(status) {
		return
	}
	caseOutcomesTotal.WithLabelValues(suite, string(status)).Inc()
}

// SetPoolStats publishes the session pool occupancy.
func SetPoolStats(busy, idle int) {
	poolSessions.WithLabelValues("busy").Set(float64(busy))
	poolSessions.WithLabelValues("idle").Set(float64(idle))
}

// RecordReportFailure counts a failed report generation.
func RecordReportFailure() {
	reportFailuresTotal.Inc()
}

// RecordHealthCheck publishes the latest probe result for an endpoint.
func RecordHealthCheck(endpoint, status string, responseTimeMillis float64) {
	for _, s := range []string{"healthy", "slow", "unhealthy", "error"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		endpointHealth.WithLabelValues(endpoint, s).Set(v)
	}
	endpointResponseTime.WithLabelValues(endpoint).Set(responseTimeMillis)
}

func isValidStatus(status types.Status) bool {
	return slices.Contains(validStatuses, status)
}
