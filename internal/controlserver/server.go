// Package controlserver implements the service-side HTTP control plane: the
// endpoints a master drives to prepare, start and interrupt benchmark
// phases on this host, plus daemonisation for background service mode.
package controlserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/protocol"
	"github.com/cuemby/iobench/internal/sharedstate"
	"github.com/cuemby/iobench/internal/workerpool"
	"github.com/cuemby/iobench/internal/workexec"
	"github.com/cuemby/iobench/pkg/log"
	"github.com/cuemby/iobench/pkg/metrics"
)

// State mirrors the service's lifecycle: at any moment the service is in
// exactly one of these, reported nowhere on the wire but implied by which
// endpoints are legal to call.
type State int

const (
	Unprepared State = iota
	Prepared
	Running
	Terminated
)

// Server is one service process's control plane: it owns a workerpool.Pool
// and the current benchconfig.Config, and serializes every mutating request
// through a single lock so PREPAREPHASE, STARTPHASE and INTERRUPTPHASE can
// never interleave destructively. Read endpoints stay concurrent.
type Server struct {
	mu    chan struct{} // binary semaphore: single in-flight mutator at a time
	state State

	port     int
	basePath string

	pool     *workerpool.Pool
	cfg      *benchconfig.Config
	shared   *sharedstate.SharedPhaseState
	newExecs ExecutorFactory

	httpServer *http.Server
	quitCh     chan struct{}
}

// ExecutorFactory builds the per-rank PhaseExecutor constructor for a freshly
// decoded BenchConfig. It is called once per PREPAREPHASE so an S3-backed
// factory can build a single S3 client and s3upload.Registry shared by every
// rank's workexec.S3Exec: cooperative multipart uploads need a registry
// scoped to the whole prepared pool, not to one rank.
type ExecutorFactory func(cfg *benchconfig.Config) (func(rank int) workexec.PhaseExecutor, error)

// New builds a Server bound to port, storing uploaded tree-mode files under
// basePath. newExecs resolves the PhaseExecutor constructor for each freshly
// prepared phase; production callers choose LocalFS or S3Exec based on
// cfg.S3, tests pass a fake.
func New(port int, basePath string, newExecs ExecutorFactory) *Server {
	return &Server{
		mu:       make(chan struct{}, 1),
		state:    Unprepared,
		port:     port,
		basePath: basePath,
		pool:     workerpool.New(),
		shared:   sharedstate.New(),
		newExecs: newExecs,
		quitCh:   make(chan struct{}),
	}
}

func (s *Server) lock()   { s.mu <- struct{}{} }
func (s *Server) unlock() { <-s.mu }

// CheckPortAvailable pre-binds and immediately releases port. Callers should
// invoke this before Daemonize: a bind failure surfacing only inside the
// re-exec'd child would be lost once stdio is redirected to /dev/null.
func CheckPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errs.NewConfigError("service port unavailable: %v", err)
	}
	return ln.Close()
}

func (s *Server) checkPortAvailable() error {
	return CheckPortAvailable(s.port)
}

// ListenAndServe starts the HTTP control plane and blocks until Shutdown (via
// INTERRUPTPHASE?quit=1) or ctx cancellation. It returns nil on a clean
// quit-requested shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.checkPortAvailable(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.HandleFunc(protocol.PathInfo, s.handleInfo)
	mux.HandleFunc(protocol.PathProtocolVersion, s.handleProtocolVersion)
	mux.HandleFunc(protocol.PathStatus, s.handleStatus)
	mux.HandleFunc(protocol.PathBenchResult, s.handleBenchResult)
	mux.HandleFunc(protocol.PathPrepareFile, s.handlePrepareFile)
	mux.HandleFunc(protocol.PathPreparePhase, s.handlePreparePhase)
	mux.HandleFunc(protocol.PathStartPhase, s.handleStartPhase)
	mux.HandleFunc(protocol.PathInterruptPhase, s.handleInterruptPhase)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.port),
		Handler:     instrument(mux),
		ConnState:   logConnState,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger := log.WithComponent("controlserver")
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", s.port).Msg("service now listening")
		metrics.RegisterComponent("controlserver", true, "")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metrics.UpdateComponent("controlserver", false, err.Error())
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case <-s.quitCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down as requested by client")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func logConnState(conn net.Conn, state http.ConnState) {
	if state == http.StateClosed || state == http.StateHijacked {
		connLogger := log.WithComponent("controlserver")
		connLogger.Debug().
			Str("remote", conn.RemoteAddr().String()).Str("state", state.String()).
			Msg("connection closed")
	}
}

// instrument wraps every request with per-path Prometheus counters and
// latency histograms, and logs a debug-level "HTTP: path?query" line.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := log.WithComponent("controlserver")
		reqLogger.Debug().
			Str("path", r.URL.Path).Str("query", r.URL.RawQuery).Msg("HTTP")

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.ControlRequestDuration, r.URL.Path)
		metrics.ControlRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// checkProtocolVersion validates the protocolversion query parameter carried
// by PREPAREFILE, PREPAREPHASE and STARTPHASE against this binary's compiled
// version.
func checkProtocolVersion(r *http.Request) error {
	got := r.URL.Query().Get(protocol.QueryProtocolVersion)
	if got == "" {
		return errs.NewProtocolError("missing parameter: %s", protocol.QueryProtocolVersion)
	}
	if got != protocol.Version {
		return errs.NewProtocolError("Protocol version mismatch. Service version: %s; received master version: %s",
			protocol.Version, got)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}
