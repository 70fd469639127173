// Package workexec defines the boundary interface to the worker
// implementations that perform actual filesystem/S3 I/O. The orchestration
// core in internal/workerpool, internal/coordinator and
// internal/controlserver depends only on this interface, never on a
// concrete I/O implementation.
package workexec

import (
	"context"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
)

// PhaseExecutor performs the actual I/O for one benchmark phase on behalf of
// one worker rank. Implementations are expected to poll ctx.Done() at
// frequent yield points so InterruptAndNotifyWorkers / phase time limits can
// abort them promptly.
type PhaseExecutor interface {
	RunPhase(ctx context.Context, p phase.BenchPhase, rank int, cfg *benchconfig.Config) error
}

// Aborter is optionally implemented by a PhaseExecutor holding cross-phase
// state that an interrupted run must explicitly drain, rather than state
// ctx cancellation alone reaches (S3Exec's outstanding multipart uploads).
// LocalFS has no such state and doesn't implement it.
type Aborter interface {
	AbortAllUnfinished(ctx context.Context)
}
