package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/pianoscribe/pkg/models"
)

// Metrics instruments the job tracker and the local web API
type Metrics struct {
	submissions        *prometheus.CounterVec
	updates            *prometheus.CounterVec
	fallbacks          prometheus.Counter
	pollFailures       prometheus.Counter
	finished           *prometheus.CounterVec
	progressRegression prometheus.Counter
	activeJobs         prometheus.Gauge
	jobDuration        *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pscribe_submissions_total",
				Help: "Transcription submissions by outcome",
			},
			[]string{"result"}, // "accepted", "rejected", "failed"
		),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pscribe_status_updates_total",
				Help: "Status updates received from the transcription service",
			},
			[]string{"transport", "status"},
		),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pscribe_transport_fallbacks_total",
			Help: "Switches from the progress stream to status polling",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pscribe_poll_failures_total",
			Help: "Failed status poll requests",
		}),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pscribe_jobs_finished_total",
				Help: "Jobs that reached a terminal state",
			},
			[]string{"state"},
		),
		progressRegression: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pscribe_progress_regressions_total",
			Help: "Progress values lower than the last one seen, clamped by the tracker",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pscribe_active_jobs",
			Help: "Jobs currently submitting or tracking",
		}),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pscribe_job_duration_seconds",
				Help:    "Time from submission to terminal state",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"state"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pscribe_http_requests_total",
				Help: "Requests served by the local web API",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pscribe_http_request_duration_seconds",
				Help:    "Latency of the local web API",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.submissions,
		m.updates,
		m.fallbacks,
		m.pollFailures,
		m.finished,
		m.progressRegression,
		m.activeJobs,
		m.jobDuration,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

func (m *Metrics) SubmissionAccepted() { m.submissions.WithLabelValues("accepted").Inc() }
func (m *Metrics) SubmissionRejected() { m.submissions.WithLabelValues("rejected").Inc() }
func (m *Metrics) SubmissionFailed() { m.submissions.WithLabelValues("failed").Inc() }

func (m *Metrics) UpdateReceived(transport string, status models.TaskStatus) {
	m.updates.WithLabelValues(transport, string(status)).Inc()
}

func (m *Metrics) TransportFallback() { m.fallbacks.Inc() }
func (m *Metrics) PollFailure() { m.pollFailures.Inc() }
func (m *Metrics) ProgressRegression() { m.progressRegression.Inc() }

// JobStarted marks a job as active
func (m *Metrics) JobStarted() { m.activeJobs.Inc() }

// JobEnded records a job leaving the active states. A reset job has no
// terminal state and only decrements the gauge.
func (m *Metrics) JobEnded(state models.JobState, elapsed time.Duration) {
	m.activeJobs.Dec()
	if !models.IsTerminalState(state) {
		return
	}
	m.finished.WithLabelValues(string(state)).Inc()
	m.jobDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// Handler returns HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per mux route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		m.httpRequests.WithLabelValues(r.Method, route, fmt.Sprintf("%d", rw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps event streams working behind the middleware
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
