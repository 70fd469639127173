package workerpool

import (
	"context"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/workexec"
)

// LocalWorker implements Worker by delegating phase execution in-process to
// a workexec.PhaseExecutor. It is used when a run has no configured hosts.
type LocalWorker struct {
	rank int
	exec workexec.PhaseExecutor
	cfg  *benchconfig.Config
}

// NewLocalWorker builds a LocalWorker for the given rank, executing phases
// via exec.
func NewLocalWorker(rank int, exec workexec.PhaseExecutor) *LocalWorker {
	return &LocalWorker{rank: rank, exec: exec}
}

func (w *LocalWorker) Rank() int { return w.rank }

func (w *LocalWorker) Prepare(ctx context.Context, cfg *benchconfig.Config) error {
	w.cfg = cfg
	return nil
}

func (w *LocalWorker) RunPhase(ctx context.Context, p phase.BenchPhase, benchID string) error {
	return w.exec.RunPhase(ctx, p, w.rank, w.cfg)
}

// AbortUnfinishedWork drains w.exec's cross-phase state if it implements
// workexec.Aborter (S3Exec's outstanding multipart uploads), a no-op for
// LocalFS.
func (w *LocalWorker) AbortUnfinishedWork(ctx context.Context) {
	if a, ok := w.exec.(workexec.Aborter); ok {
		a.AbortAllUnfinished(ctx)
	}
}

func (w *LocalWorker) Close() error {
	w.AbortUnfinishedWork(context.Background())
	return nil
}
