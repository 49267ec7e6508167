package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/rasterflow/internal/codec"
	"github.com/dunamismax/rasterflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// sourceFormatLabel marks steps that keep the format of the uploaded image.
const sourceFormatLabel = "source"

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	jobSteps          prometheus.Histogram
	jobTransforms     *prometheus.CounterVec
	jobOutputs        *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterflow_api_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rasterflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterflow_api_rate_limit_rejections_total",
			Help: "Requests rejected by the per-user token bucket.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterflow_queue_jobs_enqueued_total",
			Help: "Image jobs handed to the worker queue.",
		}, []string{"queue"}),
		jobSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rasterflow_api_job_steps",
			Help:    "Pipeline steps per created job.",
			Buckets: prometheus.LinearBuckets(1, 1, domain.MaxPipelineSteps),
		}),
		jobTransforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterflow_api_job_transforms_total",
			Help: "Transforms requested by created jobs, by operation.",
		}, []string{"op"}),
		jobOutputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterflow_api_job_outputs_total",
			Help: "Outputs requested by created jobs, by encoded format.",
		}, []string{"format"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.jobSteps,
		m.jobTransforms,
		m.jobOutputs,
	)
	return m
}

// observeJob records the shape of an accepted pipeline. Labels only take
// values the request validator allows, so cardinality stays bounded.
func (m *metrics) observeJob(steps []domain.PipelineStep) {
	m.jobSteps.Observe(float64(len(steps)))
	for _, step := range steps {
		for _, tr := range step.Transforms {
			m.jobTransforms.WithLabelValues(strings.ToLower(tr.Op)).Inc()
		}
		m.jobOutputs.WithLabelValues(outputFormatLabel(step.Format)).Inc()
	}
}

func outputFormatLabel(format string) string {
	if strings.TrimSpace(format) == "" {
		return sourceFormatLabel
	}
	f, err := codec.ParseFormat(format)
	if err != nil {
		return "invalid"
	}
	return f.String()
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		// The mux fills r.Pattern in place once it has matched a route.
		route := routeLabel(r.Pattern)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel drops the method from a mux pattern such as
// "POST /v1/jobs/{id}/start". Unrouted requests share one label.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
