package controlserver

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/protocol"
	"github.com/cuemby/iobench/internal/workerpool"
	"github.com/cuemby/iobench/pkg/log"
	"github.com/cuemby/iobench/pkg/metrics"
)

// handleInfo is a diagnostics-only endpoint, never used by the master
// itself: it echoes the request for manual troubleshooting.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><pre>\nrequest from %s\n%s %s\n",
		html.EscapeString(r.RemoteAddr), html.EscapeString(r.Method), html.EscapeString(r.URL.String()))
	for name, values := range r.Header {
		for _, v := range values {
			fmt.Fprintf(w, "%s: %s\n", html.EscapeString(name), html.EscapeString(v))
		}
	}
	fmt.Fprint(w, "</pre></body></html>\n")
}

func (s *Server) handleProtocolVersion(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, protocol.Version)
}

// handleStatus reports the pool's live state: current phase and whether it
// has finished, which remoteworker.Client polls on.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.pool.State()

	var currentPhase phase.BenchPhase
	if handles := s.pool.Handles(); len(handles) > 0 {
		currentPhase = handles[0].CurrentPhase
	}

	writeJSON(w, struct {
		CurrentPhaseCode int  `json:"currentPhaseCode"`
		PhaseFinished    bool `json:"phaseFinished"`
	}{
		CurrentPhaseCode: int(currentPhase),
		PhaseFinished:    state != workerpool.PhaseRunning,
	})
}

// handleBenchResult returns the completed phase's error history as a
// JSON diagnostic payload; full statistics rendering is the
// internal/statsrender package's responsibility once wired into a real
// phase executor that reports throughput.
func (s *Server) handleBenchResult(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		ErrorHistory      string `json:"errorHistory"`
		WorkersWithErrors int    `json:"workersWithErrors"`
	}{
		ErrorHistory:      s.pool.ErrHistory().Snapshot(),
		WorkersWithErrors: s.pool.NumWorkersDoneWithError(),
	})
}

// handlePrepareFile streams an uploaded tree-mode file into basePath, using
// only the request-supplied filename's basename to prevent path traversal.
func (s *Server) handlePrepareFile(w http.ResponseWriter, r *http.Request) {
	if err := checkProtocolVersion(r); err != nil {
		writeError(w, err)
		return
	}

	rawName := r.URL.Query().Get(protocol.QueryFilename)
	if rawName == "" {
		writeError(w, errs.NewProtocolError("missing parameter: %s", protocol.QueryFilename))
		return
	}
	filename := filepath.Base(rawName)

	if err := os.MkdirAll(s.basePath, 0777); err != nil {
		writeError(w, fmt.Errorf("failed to create service upload dir: %w", err))
		return
	}

	dest := filepath.Join(s.basePath, filename)
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		writeError(w, fmt.Errorf("opening upload file failed: %w", err))
		return
	}
	defer f.Close()

	csLogger := log.WithComponent("controlserver")
	csLogger.Info().Str("filename", filename).
		Time("isoDate", time.Now()).Msg("receiving tree file from master")

	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		if rmErr := os.Remove(dest); rmErr != nil {
			csLogger.Warn().Err(rmErr).Str("file", dest).
				Msg("failed to remove partial upload")
		}
		writeError(w, fmt.Errorf("saving upload file failed: %w", err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handlePreparePhase decodes the master's BenchConfig, tears down any
// previous worker set, spins up a fresh one sized to the config's target
// paths, and replies with this service's path layout plus its error history
// On any failure it still performs the interrupt/join/reset cleanup before
// replying, because a failed prep gets no further INTERRUPTPHASE from the
// master.
func (s *Server) handlePreparePhase(w http.ResponseWriter, r *http.Request) {
	s.lock()
	defer s.unlock()

	if err := checkProtocolVersion(r); err != nil {
		writeError(w, err)
		return
	}

	prepLogger := log.WithComponent("controlserver")
	prepLogger.Info().Time("isoDate", time.Now()).
		Msg("preparing new benchmark phase")

	// Workers hold references derived from the previous config; always kill
	// them before installing a new one. Done first, before anything that can
	// fail below, so every failure path from here on replies with this
	// teardown already complete.
	s.pool.InterruptAndNotifyWorkers()
	s.pool.JoinAllThreads()
	s.pool.AbortUnfinishedWork(r.Context())
	s.pool.DeleteThreads()
	s.shared.Reset()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.NewProtocolError("reading request body: %v", err))
		return
	}

	cfg, err := benchconfig.UnmarshalFromWire(body)
	if err != nil {
		writeError(w, err)
		return
	}

	newExec, err := s.newExecs(cfg)
	if err != nil {
		s.pool.InterruptAndNotifyWorkers()
		s.pool.JoinAllThreads()
		writeError(w, fmt.Errorf("building phase executor: %w", err))
		return
	}

	workers := make([]workerpool.Worker, len(cfg.TargetPaths))
	for i := range cfg.TargetPaths {
		workers[i] = workerpool.NewLocalWorker(i, newExec(i))
	}

	if err := s.pool.PrepareThreads(r.Context(), cfg, workers); err != nil {
		s.pool.InterruptAndNotifyWorkers()
		s.pool.JoinAllThreads()
		metrics.UpdateComponent("workerpool", false, err.Error())
		writeError(w, fmt.Errorf("preparation phase error: %w\n%s", err, s.pool.ErrHistory().Drain()))
		return
	}
	metrics.RegisterComponent("workerpool", true, "")

	s.cfg = cfg
	s.state = Prepared

	if cfg.Label != "" {
		prepLogger.Info().Str("label", cfg.Label).Msg("LABEL")
	}

	writeJSON(w, struct {
		benchconfig.PathInfoTree
		ErrorHistory string `json:"errorHistory"`
	}{
		PathInfoTree: statPathInfoTree(cfg.TargetPaths),
		ErrorHistory: s.pool.ErrHistory().Drain(),
	})
}

func statPathInfoTree(paths []string) benchconfig.PathInfoTree {
	tree := benchconfig.PathInfoTree{Paths: make([]benchconfig.PathInfo, 0, len(paths))}
	for _, p := range paths {
		info, err := os.Stat(p)
		pi := benchconfig.PathInfo{Path: p}
		if err == nil {
			pi.FileSize = info.Size()
			pi.IsBlockDev = info.Mode()&os.ModeDevice != 0
		}
		tree.Paths = append(tree.Paths, pi)
	}
	return tree
}

// handleStartPhase dispatches the requested phase to the pool without
// blocking for completion: the master learns completion by polling STATUS.
func (s *Server) handleStartPhase(w http.ResponseWriter, r *http.Request) {
	s.lock()
	defer s.unlock()

	if err := checkProtocolVersion(r); err != nil {
		writeError(w, err)
		return
	}

	codeStr := r.URL.Query().Get(protocol.QueryBenchPhaseCode)
	if codeStr == "" {
		writeError(w, errs.NewProtocolError("missing parameter: %s", protocol.QueryBenchPhaseCode))
		return
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		writeError(w, errs.NewProtocolError("malformed %s: %v", protocol.QueryBenchPhaseCode, err))
		return
	}
	p, ok := phase.ParseBenchPhase(code)
	if !ok {
		writeError(w, errs.NewProtocolError("unknown bench phase code: %d", code))
		return
	}

	benchID := r.URL.Query().Get(protocol.QueryBenchID)

	if err := s.pool.StartNextPhase(r.Context(), p, benchID); err != nil {
		writeError(w, err)
		return
	}
	s.state = Running

	fmt.Fprint(w, s.pool.ErrHistory().Snapshot())
}

// handleInterruptPhase interrupts any running phase, joins it, resets the
// benchmark path, and optionally quits the server after replying.
func (s *Server) handleInterruptPhase(w http.ResponseWriter, r *http.Request) {
	s.lock()
	defer s.unlock()

	quit := r.URL.Query().Get(protocol.QueryQuit) != ""

	s.pool.InterruptAndNotifyWorkers()
	s.pool.JoinAllThreads()
	s.pool.AbortUnfinishedWork(r.Context())
	s.pool.CleanupWorkersAfterPhaseDone()
	s.shared.Reset()
	s.state = Prepared

	fmt.Fprint(w, s.pool.ErrHistory().Drain())

	if quit {
		logger := log.WithComponent("controlserver")
		logger.Info().Str("client", r.RemoteAddr).Msg("shutting down as requested by client")
		close(s.quitCh)
	}
}
