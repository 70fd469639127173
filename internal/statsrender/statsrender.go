// Package statsrender renders run output for the coordinator: live
// countdown, per-phase results table, dry-run info dump, plus JSON builders
// for live per-worker state and a phase's bench result. The control server's
// /status and /benchresult handlers build their own replies and do not call
// these builders. Output is plain text; no curses-style live table.
package statsrender

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/workerpool"
)

// Renderer is the concrete text renderer wired by cmd/iobench. It writes to w (stdout in production, a buffer in tests).
type Renderer struct {
	w io.Writer
}

// New builds a Renderer writing to w.
func New(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

// PrintPhaseResultsTableHeader prints the column header shown once before
// the sequence of per-phase result rows.
func (r *Renderer) PrintPhaseResultsTableHeader() {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tWORKERS\tERRORS\tDURATION")
	tw.Flush()
}

// PrintPhaseResults prints one result row for a completed phase.
func (r *Renderer) PrintPhaseResults(p phase.BenchPhase, numWorkers, numErrors int, duration time.Duration) {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", p, numWorkers, numErrors, duration.Round(time.Millisecond))
	tw.Flush()
}

// PrintDryRunInfo renders the resolved BenchConfig for a --dry-run
// invocation.
func (r *Renderer) PrintDryRunInfo(cfg *benchconfig.Config) {
	fmt.Fprintln(r.w, "DRY RUN: resolved configuration:")
	fmt.Fprintf(r.w, "  target paths:     %v\n", cfg.TargetPaths)
	fmt.Fprintf(r.w, "  hosts:            %v\n", cfg.Hosts)
	fmt.Fprintf(r.w, "  iterations:       %d\n", cfg.Iterations)
	fmt.Fprintf(r.w, "  time limit (s):   %d\n", cfg.TimeLimitSecs)
	fmt.Fprintf(r.w, "  num dirs:         %d\n", cfg.NumDirs)
	fmt.Fprintf(r.w, "  num files:        %d\n", cfg.NumFiles)
	fmt.Fprintf(r.w, "  file size:        %d\n", cfg.FileSizeBytes)
	fmt.Fprintf(r.w, "  rotate hosts:     %d\n", cfg.RotateHostsNum)
	fmt.Fprintf(r.w, "  net bench:        %v\n", cfg.UseNetBench)
	if cfg.Label != "" {
		fmt.Fprintf(r.w, "  label:            %s\n", cfg.Label)
	}
	if cfg.Selection != nil {
		fmt.Fprintf(r.w, "  phases:           %v\n", cfg.Selection.Ordered())
	}
}

// PrintLiveStats prints a one-line progress snapshot for a running phase,
// overwriting itself on each refresh.
func (r *Renderer) PrintLiveStats(p phase.BenchPhase, workersDone, workersTotal int) {
	fmt.Fprintf(r.w, "\r%s: %d/%d workers done", p, workersDone, workersTotal)
}

// PrintLiveCountdown prints a single-line countdown to a user-defined start
// time.
func (r *Renderer) PrintLiveCountdown(remaining time.Duration) {
	fmt.Fprintf(r.w, "\rStarting in %s...", remaining.Round(time.Second))
}

// LiveStatsJSON serializes the pool's current per-worker phase/done state.
// It is not the /status reply, which carries only the current phase code and
// a finished flag.
func LiveStatsJSON(pool *workerpool.Pool) ([]byte, error) {
	handles := pool.Handles()
	workers := make([]liveWorker, len(handles))
	for i, h := range handles {
		workers[i] = liveWorker{
			Rank:    h.Rank,
			Phase:   h.CurrentPhase.String(),
			Done:    h.Done,
			Errored: h.Errored,
		}
	}
	return json.Marshal(struct {
		Workers []liveWorker `json:"workers"`
	}{Workers: workers})
}

type liveWorker struct {
	Rank    int    `json:"rank"`
	Phase   string `json:"phase"`
	Done    bool   `json:"done"`
	Errored bool   `json:"errored"`
}

// BenchResultJSON serializes the completed phase's outcome in the same shape
// as the /benchresult reply.
func BenchResultJSON(errHistory string, numWorkersWithError int) ([]byte, error) {
	return json.Marshal(struct {
		ErrorHistory      string `json:"errorHistory"`
		WorkersWithErrors int    `json:"workersWithErrors"`
	}{
		ErrorHistory:      errHistory,
		WorkersWithErrors: numWorkersWithError,
	})
}
