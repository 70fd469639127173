package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersTotal tracks active workers by kind (local/remote) and phase.
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iobench_workers_total",
			Help: "Total number of workers by kind and current phase",
		},
		[]string{"kind", "phase"},
	)

	WorkersDoneWithError = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iobench_workers_error_total",
			Help: "Total number of workers that finished a phase with an error",
		},
		[]string{"phase"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iobench_phase_duration_seconds",
			Help:    "Wall-clock duration of a benchmark phase across all workers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	PhasesCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iobench_phases_completed_total",
			Help: "Total number of completed benchmark phases by outcome",
		},
		[]string{"phase", "outcome"},
	)

	// ControlServer request metrics.
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iobench_control_requests_total",
			Help: "Total number of control-plane HTTP requests by path and status",
		},
		[]string{"path", "status"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iobench_control_request_duration_seconds",
			Help:    "Control-plane HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// S3 multipart upload coordination metrics.
	S3MultipartUploadsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iobench_s3_multipart_uploads_started_total",
			Help: "Total number of multipart uploads created (one per S3UploadKey)",
		},
	)

	S3MultipartUploadsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iobench_s3_multipart_uploads_completed_total",
			Help: "Total number of multipart uploads completed",
		},
	)

	S3MultipartUploadsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iobench_s3_multipart_uploads_aborted_total",
			Help: "Total number of multipart uploads drained for abort after interruption",
		},
	)

	S3PartsRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iobench_s3_parts_registered_total",
			Help: "Total number of multipart upload parts registered across all objects",
		},
	)

	// RemoteWorkerClient metrics.
	RemoteRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iobench_remote_worker_request_duration_seconds",
			Help:    "Duration of master -> service HTTP calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	RemoteWorkerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iobench_remote_worker_errors_total",
			Help: "Total number of remote worker client failures by endpoint",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		WorkersDoneWithError,
		PhaseDuration,
		PhasesCompletedTotal,
		ControlRequestsTotal,
		ControlRequestDuration,
		S3MultipartUploadsStarted,
		S3MultipartUploadsCompleted,
		S3MultipartUploadsAborted,
		S3PartsRegistered,
		RemoteRequestDuration,
		RemoteWorkerErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler, mounted at /metrics on the
// service's control server for external scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
