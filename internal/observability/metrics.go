package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize     *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	dequeueTotal  *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	timeoutsTotal *prometheus.CounterVec

	submitTotal    *prometheus.CounterVec
	submitDuration *prometheus.HistogramVec

	runPollsTotal    *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	runRetriesTotal  *prometheus.CounterVec
	guardWait        prometheus.Histogram
	activeLeases     prometheus.Gauge
	forcedReleases   prometheus.Counter
	sessionsCreated  *prometheus.CounterVec
	deleteFailures   *prometheus.CounterVec
	orphanSessions   prometheus.Gauge
	parserFallbacks  *prometheus.CounterVec
	transcriptErrors prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "threadline_queue_size",
					Help: "Current number of queued requests by queue.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_enqueue_total",
					Help: "Total enqueued requests by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_dequeue_total",
					Help: "Total processed requests by queue and status.",
				},
				[]string{"queue", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "threadline_task_duration_seconds",
					Help:    "Request processing duration in seconds by queue.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			timeoutsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_request_timeouts_total",
					Help: "Requests settled by their absolute deadline.",
				},
				[]string{"queue"},
			),
			submitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_submit_total",
					Help: "Submitted turns by agent and outcome kind.",
				},
				[]string{"agent", "outcome"},
			),
			submitDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "threadline_submit_duration_seconds",
					Help:    "End to end turn duration by agent.",
					Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
				},
				[]string{"agent"},
			),
			runPollsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_run_polls_total",
					Help: "Run status polls by backend family.",
				},
				[]string{"backend"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "threadline_run_duration_seconds",
					Help:    "Run attempt duration by backend family and terminal status.",
					Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
				},
				[]string{"backend", "status"},
			),
			runRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_run_retries_total",
					Help: "Run re-attempts after a transient conflict by backend family.",
				},
				[]string{"backend"},
			),
			guardWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "threadline_guard_wait_seconds",
					Help:    "Time spent waiting for a session lease.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeLeases: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "threadline_active_leases",
					Help: "Session leases currently held.",
				},
			),
			forcedReleases: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "threadline_lease_forced_releases_total",
					Help: "Leases released by soft expiry instead of their holder.",
				},
			),
			sessionsCreated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_sessions_created_total",
					Help: "Backend sessions created by backend family and kind.",
				},
				[]string{"backend", "kind"},
			),
			deleteFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_session_delete_failures_total",
					Help: "Failed best-effort session deletions by backend family.",
				},
				[]string{"backend"},
			),
			orphanSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "threadline_orphan_sessions",
					Help: "Ephemeral sessions awaiting a delete retry.",
				},
			),
			parserFallbacks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "threadline_parser_fallbacks_total",
					Help: "Responses downgraded to labeled plain text by agent.",
				},
				[]string{"agent"},
			),
			transcriptErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "threadline_transcript_errors_total",
					Help: "Transcript records that could not be written.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.timeoutsTotal,
			m.submitTotal,
			m.submitDuration,
			m.runPollsTotal,
			m.runDuration,
			m.runRetriesTotal,
			m.guardWait,
			m.activeLeases,
			m.forcedReleases,
			m.sessionsCreated,
			m.deleteFailures,
			m.orphanSessions,
			m.parserFallbacks,
			m.transcriptErrors,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetQueueSize(queue string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordQueueCompletion(queue string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(queue, status).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func RecordRequestTimeout(queue string) {
	getMetrics().timeoutsTotal.WithLabelValues(queue).Inc()
}

// RecordSubmit records a finished turn. outcome is "success" or an error kind.
func RecordSubmit(agent, outcome string, duration time.Duration) {
	m := getMetrics()
	m.submitTotal.WithLabelValues(agent, outcome).Inc()
	m.submitDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordRunPoll(backend string) {
	getMetrics().runPollsTotal.WithLabelValues(backend).Inc()
}

func RecordRun(backend, status string, duration time.Duration) {
	getMetrics().runDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}

func RecordRunRetry(backend string) {
	getMetrics().runRetriesTotal.WithLabelValues(backend).Inc()
}

func RecordGuardWait(duration time.Duration) {
	getMetrics().guardWait.Observe(duration.Seconds())
}

func SetActiveLeases(count int) {
	getMetrics().activeLeases.Set(float64(count))
}

func RecordForcedRelease() {
	getMetrics().forcedReleases.Inc()
}

func RecordSessionCreated(backend string, persistent bool) {
	kind := "ephemeral"
	if persistent {
		kind = "persistent"
	}
	getMetrics().sessionsCreated.WithLabelValues(backend, kind).Inc()
}

func RecordSessionDeleteFailure(backend string) {
	getMetrics().deleteFailures.WithLabelValues(backend).Inc()
}

func SetOrphanSessions(count int) {
	getMetrics().orphanSessions.Set(float64(count))
}

func RecordParserFallback(agent string) {
	getMetrics().parserFallbacks.WithLabelValues(agent).Inc()
}

func RecordTranscriptError() {
	getMetrics().transcriptErrors.Inc()
}
