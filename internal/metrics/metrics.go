// Package metrics exposes Prometheus collectors for workers and the
// supervised crawl process.
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
	claimsTotal            *prometheus.CounterVec
	articlesProcessedTotal *prometheus.CounterVec
	phaseDurationSeconds   *prometheus.HistogramVec
	staleReapedTotal       *prometheus.CounterVec
	processState           *prometheus.GaugeVec
	processRestartsTotal   prometheus.Counter
	healthChecksTotal      *prometheus.CounterVec
	breakerOpen            *prometheus.GaugeVec
	activeWorkers          prometheus.Gauge

	once sync.Once
)

// processStates lists every label value of ainews_process_state so that
// exactly one is set to 1 at a time.
var processStates = []string{"idle", "running", "paused", "stopping", "stopped", "error"}

// Init registers the collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ainews_claims_total",
				Help: "Article claim attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		articlesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ainews_articles_processed_total",
				Help: "Articles driven through the pipeline, labeled by result.",
			},
			[]string{"result"},
		)

		phaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ainews_phase_duration_seconds",
				Help:    "Histogram of pipeline phase durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"phase"},
		)

		staleReapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ainews_stale_reaped_total",
				Help: "Rows reclaimed by stale-session cleanup, labeled by kind.",
			},
			[]string{"kind"},
		)

		processState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ainews_process_state",
				Help: "Current state of the supervised crawl process (1 for the active state).",
			},
			[]string{"state"},
		)

		processRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ainews_process_restarts_total",
				Help: "Automatic recovery attempts scheduled for the crawl process.",
			},
		)

		healthChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ainews_health_checks_total",
				Help: "Health checks performed, labeled by result.",
			},
			[]string{"healthy"},
		)

		breakerOpen = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ainews_breaker_open",
				Help: "1 while the named circuit breaker rejects attempts.",
			},
			[]string{"breaker"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ainews_active_workers",
				Help: "Number of pipeline workers currently running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveClaim counts a claim attempt ("claimed", "contended" or "error").
func ObserveClaim(outcome string) {
	Init()
	claimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveArticle counts a finished article.
func ObserveArticle(success bool) {
	Init()
	result := "failed"
	if success {
		result = "success"
	}
	articlesProcessedTotal.WithLabelValues(result).Inc()
}

// ObservePhase records how long a phase took.
func ObservePhase(phase string, d time.Duration) {
	Init()
	phaseDurationSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveReaped adds cleanup counts.
func ObserveReaped(sessions, locks, articles int64) {
	Init()
	if sessions > 0 {
		staleReapedTotal.WithLabelValues("sessions").Add(float64(sessions))
	}
	if locks > 0 {
		staleReapedTotal.WithLabelValues("locks").Add(float64(locks))
	}
	if articles > 0 {
		staleReapedTotal.WithLabelValues("articles").Add(float64(articles))
	}
}

// SetProcessState marks state as the active process state.
func SetProcessState(state string) {
	Init()
	for _, s := range processStates {
		v := 0.0
		if s == state {
			v = 1
		}
		processState.WithLabelValues(s).Set(v)
	}
}

// ObserveRestart counts a scheduled recovery attempt.
func ObserveRestart() {
	Init()
	processRestartsTotal.Inc()
}

// ObserveHealthCheck counts a health check result.
func ObserveHealthCheck(healthy bool) {
	Init()
	healthChecksTotal.WithLabelValues(strconv.FormatBool(healthy)).Inc()
}

// SetBreakerOpen reflects a breaker state change.
func SetBreakerOpen(name string, open bool) {
	Init()
	v := 0.0
	if open {
		v = 1
	}
	breakerOpen.WithLabelValues(name).Set(v)
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
