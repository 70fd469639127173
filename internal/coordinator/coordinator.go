// Package coordinator implements the master-side benchmark driver: the
// phase-sequence loop that fans out to local or remote workers and advances
// only when the whole fleet has completed each phase.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/sharedstate"
	"github.com/cuemby/iobench/internal/statsrender"
	"github.com/cuemby/iobench/internal/workerpool"
	"github.com/cuemby/iobench/pkg/log"
	"github.com/cuemby/iobench/pkg/metrics"
)

// WorkerFactory builds the pool's worker set for the given hosts: one
// workerpool.Worker per entry, or a single LocalWorker if hosts is empty.
// Injected so Coordinator doesn't import remoteworker directly, keeping the
// dependency direction pool-ward only.
type WorkerFactory func(hosts []string) []workerpool.Worker

// Coordinator drives a fleet of workers (local or remote) through the
// canonical phase sequence, handling sync/drop-caches insertion,
// hosts-rotation, dry-run, and interrupt/time-limit propagation.
type Coordinator struct {
	cfg        *benchconfig.Config
	pool       *workerpool.Pool
	shared     *sharedstate.SharedPhaseState
	newWorkers WorkerFactory
	render     *statsrender.Renderer

	currentHostOffset int
}

// New builds a Coordinator for one run. cfg.Hosts, if non-empty, determines
// whether the run is fleet-wide (remote workers) or local-only.
func New(cfg *benchconfig.Config, shared *sharedstate.SharedPhaseState, newWorkers WorkerFactory, render *statsrender.Renderer) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		pool:       workerpool.New(),
		shared:     shared,
		newWorkers: newWorkers,
		render:     render,
	}
}

// Run executes the full master-mode sequence. It returns nil on success, an
// *errs.TimeLimitError on a benign time-limit stop (callers must still
// treat this as exit code 0), or any other error as a run failure.
func (c *Coordinator) Run(ctx context.Context) error {
	workers := c.newWorkers(c.cfg.Hosts)

	if err := c.pool.PrepareThreads(ctx, c.cfg, workers); err != nil {
		return err
	}
	defer c.pool.DeleteThreads()

	if len(c.cfg.Hosts) > 0 {
		if err := c.checkServiceBenchPathInfos(); err != nil {
			return err
		}
	}

	if c.cfg.DryRun {
		c.render.PrintDryRunInfo(c.cfg)
		return nil
	}

	if err := c.waitForUserDefinedStartTime(ctx, c.cfg.StartTime); err != nil {
		return err
	}

	runErr := c.runBenchmarks(ctx)

	if _, isTimeLimit := runErr.(*errs.TimeLimitError); runErr != nil && !isTimeLimit {
		c.pool.InterruptAndNotifyWorkers()
	}
	c.pool.WaitForWorkersDone()
	c.pool.AbortUnfinishedWork(ctx)
	c.pool.CleanupWorkersAfterPhaseDone()

	// Captured before the Terminate dispatch: StartNextPhase resets every
	// handle's error flag, so counting afterwards would always see zero.
	numErrors := c.pool.NumWorkersDoneWithError()

	if startErr := c.pool.StartNextPhase(ctx, phase.Terminate, ""); startErr != nil {
		coordLogger := log.WithComponent("coordinator")
		coordLogger.Warn().Err(startErr).Msg("terminate dispatch failed")
	} else {
		c.pool.WaitForWorkersDone()
	}

	if runErr != nil {
		return runErr
	}
	if numErrors > 0 {
		return errs.NewWorkerError("%d worker(s) finished with an error", numErrors)
	}
	return nil
}

// pathInfoProvider is implemented by remoteworker.Client; LocalWorker does
// not implement it because a local-only run (no --hosts) never reaches
// checkServiceBenchPathInfos.
type pathInfoProvider interface {
	PathInfoTree() benchconfig.PathInfoTree
}

// checkServiceBenchPathInfos compares the path layout every configured
// service reported in its PREPAREPHASE reply, and rejects the run if any two
// disagree on path count, block-dev-ness, or block-dev size. Workers that
// don't report a PathInfoTree
// (e.g. a LocalWorker mixed into a remote run, which cannot happen today but
// is tolerated) are skipped rather than treated as a mismatch.
func (c *Coordinator) checkServiceBenchPathInfos() error {
	var first benchconfig.PathInfoTree
	haveFirst := false

	for _, h := range c.pool.Handles() {
		provider, ok := h.Worker.(pathInfoProvider)
		if !ok {
			continue
		}
		tree := provider.PathInfoTree()
		if !haveFirst {
			first = tree
			haveFirst = true
			continue
		}
		if err := first.Equal(tree); err != nil {
			return errs.NewConfigError("rank %d path info disagrees with rank 0: %v", h.Rank, err)
		}
	}
	return nil
}

// waitForUserDefinedStartTime blocks until startTime, printing a live
// countdown, or returns a ConfigError immediately if startTime already
// passed. A zero startTime means "start immediately".
func (c *Coordinator) waitForUserDefinedStartTime(ctx context.Context, startTime time.Time) error {
	if startTime.IsZero() {
		return nil
	}
	if time.Now().After(startTime) {
		return errs.NewConfigError("defined start time has already passed, aborting")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		remaining := time.Until(startTime)
		if remaining <= 0 {
			return nil
		}
		c.render.PrintLiveCountdown(remaining)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runBenchmarkPhase runs one phase, checking the interrupt/time-limit
// boundary both before and after, so a late interrupt during the phase
// still surfaces as a run failure.
func (c *Coordinator) runBenchmarkPhase(ctx context.Context, p phase.BenchPhase) error {
	if err := c.shared.CheckBoundary(); err != nil {
		return err
	}

	benchID := uuid.NewString()

	if err := c.pool.StartNextPhase(ctx, p, benchID); err != nil {
		return err
	}

	stopTimeLimit := c.armPhaseTimeLimit()
	defer stopTimeLimit()

	stopLiveStats := c.startLiveStatsPrinter(p)

	timer := metrics.NewTimer()
	c.pool.WaitForWorkersDone()
	timer.ObserveDurationVec(metrics.PhaseDuration, p.String())
	stopLiveStats()

	if history := c.pool.ErrHistory().Drain(); history != "" {
		fmt.Print(history)
	}

	numErrors := c.pool.NumWorkersDoneWithError()
	outcome := "ok"
	if numErrors > 0 {
		outcome = "error"
	}
	metrics.PhasesCompletedTotal.WithLabelValues(p.String(), outcome).Inc()

	c.render.PrintPhaseResults(p, len(c.pool.Handles()), numErrors, timer.Duration())

	c.pool.CleanupWorkersAfterPhaseDone()

	// Boundary first: workers cancelled by an interrupt or time limit count
	// as errored too, and those stops must surface as InterruptedError or
	// TimeLimitError, not as a generic worker failure.
	if err := c.shared.CheckBoundary(); err != nil {
		return err
	}
	if numErrors > 0 {
		return errs.NewWorkerError("%d worker(s) finished phase %s with an error", numErrors, p)
	}
	return nil
}

// startLiveStatsPrinter refreshes a progress line once per second while the
// phase runs. The returned stop function blocks until the printer goroutine
// has exited, so the phase result row never interleaves with a live line.
func (c *Coordinator) startLiveStatsPrinter(p phase.BenchPhase) (stop func()) {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.render.PrintLiveStats(p, c.pool.NumWorkersDone(), len(c.pool.Handles()))
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

// armPhaseTimeLimit starts the asynchronous per-phase time-limit timer when
// cfg.TimeLimitSecs is nonzero, and returns a stop function the caller must
// invoke once the phase completes so a timer that never fires doesn't leak.
// If the timer does fire, it sets the shared flag and interrupts the pool
// directly, exactly as a signal handler would for a user interrupt; workers
// observe it at their next yield point. runSyncAndDropCaches zeroes
// TimeLimitSecs before calling this, which is how sync/drop-caches escape
// the limit.
func (c *Coordinator) armPhaseTimeLimit() (stop func()) {
	if c.cfg.TimeLimitSecs <= 0 {
		return func() {}
	}

	timer := time.AfterFunc(time.Duration(c.cfg.TimeLimitSecs)*time.Second, func() {
		c.shared.SetPhaseTimeExpired()
		c.pool.InterruptAndNotifyWorkers()
	})
	return func() { timer.Stop() }
}

// runSyncAndDropCaches runs SYNC and/or DROPCACHES if selected, with the
// phase time limit suppressed: these two phases cannot meaningfully be
// interrupted by a time limit.
func (c *Coordinator) runSyncAndDropCaches(ctx context.Context) error {
	oldTimeLimit := c.cfg.TimeLimitSecs
	c.cfg.TimeLimitSecs = 0
	defer func() { c.cfg.TimeLimitSecs = oldTimeLimit }()

	if c.cfg.RunSyncPhase {
		if err := c.runBenchmarkPhase(ctx, phase.Sync); err != nil {
			return err
		}
	}
	if c.cfg.RunDropCaches {
		if err := c.runBenchmarkPhase(ctx, phase.DropCaches); err != nil {
			return err
		}
	}
	return nil
}

// runBenchmarks walks every enabled phase, in canonical order, for
// cfg.Iterations repetitions, inserting sync/drop-caches and hosts-rotation
// between phases.
func (c *Coordinator) runBenchmarks(ctx context.Context) error {
	if c.cfg.Selection == nil {
		return errs.NewConfigError("no phases selected")
	}
	enabled := c.cfg.Selection.Ordered()
	if len(enabled) == 0 {
		return errs.NewConfigError("no phases selected")
	}

	for iter := 0; iter < c.cfg.Iterations; iter++ {
		c.render.PrintPhaseResultsTableHeader()

		if err := c.runSyncAndDropCaches(ctx); err != nil {
			return err
		}

		for i, p := range enabled {
			if err := c.runBenchmarkPhase(ctx, p); err != nil {
				return err
			}
			if err := c.runSyncAndDropCaches(ctx); err != nil {
				return err
			}

			if i < len(enabled)-1 {
				if c.cfg.NextPhaseDelay > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(c.cfg.NextPhaseDelay):
					}
				}
				if err := c.rotateHosts(ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// rotateHosts tears down and re-prepares the worker set so ranks get
// reassigned across a rotated host window; a no-op unless hosts and a
// nonzero RotateHostsNum are configured and net-bench mode is off. The
// net-bench suppression is warned about rather than silent.
func (c *Coordinator) rotateHosts(ctx context.Context) error {
	if len(c.cfg.Hosts) == 0 || c.cfg.RotateHostsNum == 0 {
		return nil
	}
	if c.cfg.UseNetBench {
		rotateLogger := log.WithComponent("coordinator")
		rotateLogger.Warn().
			Msg("rotate-hosts is ignored while net-bench mode is enabled")
		return nil
	}

	c.pool.InterruptAndNotifyWorkers()
	c.pool.JoinAllThreads()
	c.pool.CleanupWorkersAfterPhaseDone()
	c.pool.DeleteThreads()

	if history := c.pool.ErrHistory().Drain(); history != "" {
		fmt.Print(history)
	}

	c.cfg.Hosts = rotated(c.cfg.Hosts, c.cfg.RotateHostsNum)
	c.currentHostOffset += c.cfg.RotateHostsNum

	workers := c.newWorkers(c.cfg.Hosts)
	return c.pool.PrepareThreads(ctx, c.cfg, workers)
}

// rotated returns hosts rotated left by n positions, wrapping.
func rotated(hosts []string, n int) []string {
	if len(hosts) == 0 {
		return hosts
	}
	n %= len(hosts)
	out := make([]string, len(hosts))
	copy(out, hosts[n:])
	copy(out[len(hosts)-n:], hosts[:n])
	return out
}
