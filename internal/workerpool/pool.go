package workerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/pkg/log"
	"github.com/cuemby/iobench/pkg/metrics"
)

// State is the pool's lifecycle state machine: at any moment the pool is in
// exactly one of these states.
type State int

const (
	Unprepared State = iota
	PreparedIdle
	PhaseRunning
	PhaseDone
	Terminated
)

// Pool owns a vector of worker handles (local or remote) and coordinates
// them through prepare/start-phase/join/cleanup/delete, guarded by one
// pool-wide mutex and condition variable.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	state   State
	handles []*Handle

	currentPhase phase.BenchPhase
	currentBenchID string
	doneCount    int
	interrupted  bool

	cancelPhase context.CancelFunc
	wg          sync.WaitGroup

	errHistory *errs.History
}

// New creates an empty pool in the UNPREPARED state. Workers are handed in
// later, one per configured slot, by PrepareThreads.
func New() *Pool {
	p := &Pool{
		state:      Unprepared,
		errHistory: errs.NewHistory(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// ErrHistory returns the pool's shared error-history buffer, drained by the
// coordinator/control-server at every boundary.
func (p *Pool) ErrHistory() *errs.History { return p.errHistory }

// PrepareThreads readies one worker per configured slot, each of which
// waits for the pool's phase dispatch. It is legal from UNPREPARED only
// (a fresh rotation always goes through DeleteThreads first).
func (p *Pool) PrepareThreads(ctx context.Context, cfg *benchconfig.Config, workers []Worker) error {
	p.mu.Lock()
	if p.state != Unprepared {
		p.mu.Unlock()
		return errs.NewConfigError("prepareThreads called outside UNPREPARED state")
	}
	p.handles = make([]*Handle, len(workers))
	for i, w := range workers {
		p.handles[i] = &Handle{Rank: w.Rank(), Worker: w, CurrentPhase: phase.Idle}
	}
	p.mu.Unlock()

	logger := log.WithComponent("workerpool")

	for _, h := range p.handles {
		if err := h.Worker.Prepare(ctx, cfg); err != nil {
			logger.Error().Err(err).Int("rank", h.Rank).Msg("worker prepare failed")
			return errs.NewWorkerError("prepare failed for rank %d: %v", h.Rank, err)
		}
	}

	p.mu.Lock()
	p.state = PreparedIdle
	p.mu.Unlock()

	return nil
}

// StartNextPhase sets the pool's current phase and dispatches it to every
// worker goroutine; it returns immediately without waiting for completion.
// Legal only from PREPARED-IDLE or PHASE-DONE.
func (p *Pool) StartNextPhase(ctx context.Context, newPhase phase.BenchPhase, benchID string) error {
	p.mu.Lock()
	if p.state != PreparedIdle && p.state != PhaseDone {
		p.mu.Unlock()
		return errs.NewConfigError("startNextPhase called from invalid state %v", p.state)
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	p.cancelPhase = cancel
	p.currentPhase = newPhase
	p.currentBenchID = benchID
	p.doneCount = 0
	p.interrupted = false
	for _, h := range p.handles {
		h.CurrentPhase = newPhase
		h.Done = false
		h.Errored = false
		h.Err = nil
	}
	p.state = PhaseRunning
	handles := append([]*Handle(nil), p.handles...)
	p.mu.Unlock()

	numLocal := 0
	for _, h := range handles {
		if _, ok := h.Worker.(*LocalWorker); ok {
			numLocal++
		}
	}
	metrics.WorkersTotal.WithLabelValues("local", newPhase.String()).Set(float64(numLocal))
	metrics.WorkersTotal.WithLabelValues("remote", newPhase.String()).Set(float64(len(handles) - numLocal))

	p.wg.Add(len(handles))
	for _, h := range handles {
		go p.runWorkerPhase(phaseCtx, h, newPhase, benchID)
	}

	return nil
}

func (p *Pool) runWorkerPhase(ctx context.Context, h *Handle, ph phase.BenchPhase, benchID string) {
	defer p.wg.Done()

	err := h.Worker.RunPhase(ctx, ph, benchID)

	p.mu.Lock()
	h.Done = true
	if err != nil {
		h.Errored = true
		h.Err = err
		metrics.WorkersDoneWithError.WithLabelValues(ph.String()).Inc()
		p.errHistory.Append(errHistoryLine(h.Rank, ph, err))
	}
	p.doneCount++
	if p.doneCount == len(p.handles) {
		p.state = PhaseDone
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func errHistoryLine(rank int, ph phase.BenchPhase, err error) string {
	return fmt.Sprintf("rank %d phase %s: %v", rank, ph, err)
}

// WaitForWorkersDone blocks until every worker has signalled done and its
// phase goroutine has returned. Error statistics are recorded by each worker
// goroutine as it finishes, not here.
func (p *Pool) WaitForWorkersDone() {
	p.mu.Lock()
	for p.state == PhaseRunning {
		p.cond.Wait()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// NumWorkersDone reports how many workers have signalled done for the
// current phase, for live progress reporting.
func (p *Pool) NumWorkersDone() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCount
}

// NumWorkersDoneWithError reports how many workers finished the most recent
// phase with an error, used by the coordinator to decide the final exit
// code.
func (p *Pool) NumWorkersDoneWithError() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if h.Errored {
			n++
		}
	}
	return n
}

// InterruptAndNotifyWorkers sets the pool's interrupt flag and cancels the
// in-flight phase context, so workers observe it at their next yield point.
// Safe to call even if no phase is running.
func (p *Pool) InterruptAndNotifyWorkers() {
	p.mu.Lock()
	p.interrupted = true
	cancel := p.cancelPhase
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// JoinAllThreads blocks until all dispatched phase goroutines have
// returned. Unlike WaitForWorkersDone, this is safe to call regardless of
// pool state (e.g. after an interrupt fired before any phase started).
func (p *Pool) JoinAllThreads() {
	p.wg.Wait()
}

// AbortUnfinishedWork drains any in-progress cross-phase state held by
// workers implementing Aborter (LocalWorker's S3Exec outstanding multipart
// uploads), so an interrupted run doesn't leave them dangling. Safe to call
// even when nothing is pending.
func (p *Pool) AbortUnfinishedWork(ctx context.Context) {
	for _, h := range p.Handles() {
		if a, ok := h.Worker.(Aborter); ok {
			a.AbortUnfinishedWork(ctx)
		}
	}
}

// CleanupWorkersAfterPhaseDone transitions the pool back to PREPARED-IDLE so
// a new StartNextPhase call is legal again.
func (p *Pool) CleanupWorkersAfterPhaseDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PhaseDone {
		p.state = PreparedIdle
	}
}

// DeleteThreads closes every worker and returns the pool to UNPREPARED,
// required before a fresh PrepareThreads call (e.g. after hosts-rotation
// reassigns ranks).
func (p *Pool) DeleteThreads() {
	p.mu.Lock()
	handles := append([]*Handle(nil), p.handles...)
	p.handles = nil
	p.state = Unprepared
	p.mu.Unlock()

	logger := log.WithComponent("workerpool")
	for _, h := range handles {
		if err := h.Worker.Close(); err != nil {
			logger.Warn().Err(err).Int("rank", h.Rank).Msg("worker close failed")
		}
	}
}

// State returns the pool's current lifecycle state, mainly for tests.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Handles returns a snapshot of the pool's current worker handles, mainly
// for statistics rendering and tests.
func (p *Pool) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Handle(nil), p.handles...)
}
