// Package workerpool owns the vector of worker handles (local or remote)
// and drives them through the phase dispatch/join lifecycle.
package workerpool

import (
	"context"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
)

// Worker is the interface the pool dispatches phases to. LocalWorker and
// remoteworker.Client both implement it, so the pool treats in-process and
// HTTP-backed workers uniformly.
type Worker interface {
	// Rank returns the worker's contiguous 0..N-1 identity within the run.
	Rank() int
	// Prepare is called once per Pool.PrepareThreads(), handing the
	// worker the current BenchConfig and letting it establish any
	// per-worker state (for RemoteWorkerClient: issuing PREPAREPHASE).
	Prepare(ctx context.Context, cfg *benchconfig.Config) error
	// RunPhase executes one benchmark phase and blocks until done, honoring
	// ctx cancellation as the interrupt signal.
	RunPhase(ctx context.Context, p phase.BenchPhase, benchID string) error
	// Close releases any resources held by the worker (connections,
	// goroutines). Called from Pool.DeleteThreads().
	Close() error
}

// Aborter is optionally implemented by a Worker that wraps a
// workexec.Aborter-capable executor (LocalWorker over S3Exec). The pool
// calls it on an interrupted run to drain state ctx cancellation alone
// doesn't reach, such as S3Exec's outstanding multipart uploads.
// RemoteWorkerClient doesn't implement it: the remote service drains its
// own executor's state on its side of INTERRUPTPHASE.
type Aborter interface {
	AbortUnfinishedWork(ctx context.Context)
}

// Handle is the pool's bookkeeping record for one worker: its identity,
// current phase, and completion state. Ranks are assigned contiguously at
// prepare time and may be reassigned on hosts-rotation.
type Handle struct {
	Rank        int
	HostOrLocal string
	Worker      Worker

	CurrentPhase phase.BenchPhase
	Done         bool
	Errored      bool
	Err          error
}
