package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers every collector with the default registry exactly once.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	MustRegister()
	return promhttp.Handler()
}

func init() {
	register(
		analysisAttempts,
		analysisDuration,
		analysisCorrections,
		redeemOutcomes,
		reaperDeleted,
		reaperArtifactErrors,
		httpRequests,
		httpDuration,
	)
}

var (
	analysisAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resemblance_analysis_attempts_total",
			Help: "Model calls made for analyses, by outcome (ok, transient, error).",
		},
		[]string{"outcome"},
	)

	analysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resemblance_analysis_duration_seconds",
			Help:    "End-to-end analysis latency including retries.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"outcome"},
	)

	analysisCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resemblance_single_parent_corrections_total",
			Help: "Result items reassigned to the present parent in single-parent mode.",
		},
	)

	redeemOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resemblance_redeem_outcomes_total",
			Help: "Redemption state machine decisions by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	reaperDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resemblance_reaper_deleted_total",
			Help: "Expired codes removed by the reaper.",
		},
	)

	reaperArtifactErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resemblance_reaper_artifact_errors_total",
			Help: "Artifacts the reaper failed to delete.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resemblance_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resemblance_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// ObserveAnalysisAttempt counts one model call.
func ObserveAnalysisAttempt(outcome string) {
	analysisAttempts.WithLabelValues(norm(outcome)).Inc()
}

// ObserveAnalysis records the latency of a complete analysis.
func ObserveAnalysis(outcome string, seconds float64) {
	analysisDuration.WithLabelValues(norm(outcome)).Observe(seconds)
}

// AddCorrections counts single-parent corrections.
func AddCorrections(n int) {
	if n > 0 {
		analysisCorrections.Add(float64(n))
	}
}

// IncRedeemOutcome counts a state machine decision.
func IncRedeemOutcome(operation, outcome string) {
	redeemOutcomes.WithLabelValues(norm(operation), norm(outcome)).Inc()
}

// AddReaped counts codes removed by a sweep.
func AddReaped(deleted, artifactErrors int) {
	reaperDeleted.Add(float64(deleted))
	reaperArtifactErrors.Add(float64(artifactErrors))
}

// ObserveHTTP records one served request.
func ObserveHTTP(route, method, status string, seconds float64) {
	httpRequests.WithLabelValues(route, method, status).Inc()
	httpDuration.WithLabelValues(route).Observe(seconds)
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
