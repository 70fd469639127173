/*
Package metrics provides Prometheus metrics collection and exposition for
iobench's master and service processes.

The package defines and registers every iobench metric through the
Prometheus client library and exposes them over the control plane's /metrics
endpoint for scraping. A small health subsystem alongside the metrics serves
/healthz, /readyz and /livez for process supervisors.

# Metric Categories

Worker pool: WorkersTotal, a gauge labeled by worker kind (local/remote)
and phase counting the workers dispatched to the current phase, and
WorkersDoneWithError, a counter labeled by phase counting workers that
finished a phase with an error.

Phase execution: PhaseDuration, PhasesCompletedTotal - wall-clock duration
and completion outcome of each benchmark phase, labeled by phase name.

Control plane: ControlRequestsTotal, ControlRequestDuration - per-endpoint
HTTP request counts and latency for the service's control server.

S3 multipart upload coordination: S3MultipartUploadsStarted/Completed/Aborted
and S3PartsRegistered track the cooperative-upload registry's lifecycle -
one CreateMultipartUpload per object regardless of how many workers
contribute parts to it.

Remote worker client: RemoteRequestDuration, RemoteWorkerErrorsTotal track
the master's HTTP calls to each service's control plane.

# Timer Helper

Timer wraps time.Now/time.Since for the common "measure this call, observe
it into a histogram" pattern used throughout the control server and the
remote worker client.

# Health Checks

HealthChecker tracks named components (controlserver, workerpool) a process
registers as it comes up. GetHealth reports unhealthy if any registered
component is unhealthy; GetReadiness reports not ready while controlserver
or workerpool is registered and unhealthy. A component that has not been
registered does not block readiness, so a master process, which registers
nothing, is always ready.
*/
package metrics
