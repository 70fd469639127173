package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/sharedstate"
	"github.com/cuemby/iobench/internal/statsrender"
	"github.com/cuemby/iobench/internal/workerpool"
)

func TestRotatedWrapsLeftByN(t *testing.T) {
	hosts := []string{"a", "b", "c", "d"}
	assert.Equal(t, []string{"b", "c", "d", "a"}, rotated(hosts, 1))
	assert.Equal(t, []string{"c", "d", "a", "b"}, rotated(hosts, 2))
	assert.Equal(t, []string{"a", "b", "c", "d"}, rotated(hosts, 4))
	assert.Equal(t, []string{"b", "c", "d", "a"}, rotated(hosts, 5))
}

func TestRotatedEmptyHostsIsNoOp(t *testing.T) {
	assert.Empty(t, rotated(nil, 3))
}

// fakePathInfoWorker implements both workerpool.Worker and pathInfoProvider
// so checkServiceBenchPathInfos has something to inspect.
type fakePathInfoWorker struct {
	rank int
	tree benchconfig.PathInfoTree
}

func (w *fakePathInfoWorker) Rank() int { return w.rank }
func (w *fakePathInfoWorker) Prepare(ctx context.Context, cfg *benchconfig.Config) error {
	return nil
}
func (w *fakePathInfoWorker) RunPhase(ctx context.Context, p phase.BenchPhase, benchID string) error {
	return nil
}
func (w *fakePathInfoWorker) Close() error                               { return nil }
func (w *fakePathInfoWorker) PathInfoTree() benchconfig.PathInfoTree      { return w.tree }

func newCoordinatorWithWorkers(workers []workerpool.Worker) *Coordinator {
	c := &Coordinator{
		cfg:    &benchconfig.Config{},
		pool:   workerpool.New(),
		shared: sharedstate.New(),
	}
	_ = c.pool.PrepareThreads(context.Background(), c.cfg, workers)
	return c
}

func TestCheckServiceBenchPathInfosAcceptsAgreeingServices(t *testing.T) {
	tree := benchconfig.PathInfoTree{Paths: []benchconfig.PathInfo{{Path: "/data", IsBlockDev: false, FileSize: 100}}}
	workers := []workerpool.Worker{
		&fakePathInfoWorker{rank: 0, tree: tree},
		&fakePathInfoWorker{rank: 1, tree: tree},
	}
	c := newCoordinatorWithWorkers(workers)

	assert.NoError(t, c.checkServiceBenchPathInfos())
}

func TestCheckServiceBenchPathInfosRejectsDisagreeingBlockDevSize(t *testing.T) {
	workers := []workerpool.Worker{
		&fakePathInfoWorker{rank: 0, tree: benchconfig.PathInfoTree{Paths: []benchconfig.PathInfo{{Path: "/dev/sda", IsBlockDev: true, FileSize: 1000}}}},
		&fakePathInfoWorker{rank: 1, tree: benchconfig.PathInfoTree{Paths: []benchconfig.PathInfo{{Path: "/dev/sdb", IsBlockDev: true, FileSize: 2000}}}},
	}
	c := newCoordinatorWithWorkers(workers)

	err := c.checkServiceBenchPathInfos()
	require.Error(t, err)
	var cfgErr *errs.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCheckServiceBenchPathInfosSkipsWorkersWithoutPathInfo(t *testing.T) {
	// LocalWorker (or any worker not implementing pathInfoProvider) must be
	// tolerated rather than treated as a mismatch.
	workers := []workerpool.Worker{
		&fakePathInfoWorker{rank: 0, tree: benchconfig.PathInfoTree{Paths: []benchconfig.PathInfo{{Path: "/data"}}}},
		workerpool.NewLocalWorker(1, noopExecutor{}),
	}
	c := newCoordinatorWithWorkers(workers)

	assert.NoError(t, c.checkServiceBenchPathInfos())
}

type noopExecutor struct{}

func (noopExecutor) RunPhase(ctx context.Context, p phase.BenchPhase, rank int, cfg *benchconfig.Config) error {
	return nil
}

func TestRotateHostsIsNoOpWithoutHostsOrRotateNum(t *testing.T) {
	c := &Coordinator{cfg: &benchconfig.Config{}, pool: workerpool.New(), shared: sharedstate.New()}
	assert.NoError(t, c.rotateHosts(context.Background()))

	c.cfg.Hosts = []string{"a", "b"}
	assert.NoError(t, c.rotateHosts(context.Background()))
}

func TestRotateHostsSuppressedUnderNetBench(t *testing.T) {
	c := &Coordinator{
		cfg: &benchconfig.Config{
			Hosts:          []string{"a", "b"},
			RotateHostsNum: 1,
			UseNetBench:    true,
		},
		pool:   workerpool.New(),
		shared: sharedstate.New(),
	}

	require.NoError(t, c.rotateHosts(context.Background()))
	// Hosts must be unchanged: rotation never happened.
	assert.Equal(t, []string{"a", "b"}, c.cfg.Hosts)
}

// failingWorker errors on every phase so runBenchmarkPhase has a worker
// failure to surface.
type failingWorker struct{ rank int }

func (w *failingWorker) Rank() int { return w.rank }
func (w *failingWorker) Prepare(ctx context.Context, cfg *benchconfig.Config) error {
	return nil
}
func (w *failingWorker) RunPhase(ctx context.Context, p phase.BenchPhase, benchID string) error {
	return fmt.Errorf("simulated worker failure")
}
func (w *failingWorker) Close() error { return nil }

func newTestCoordinator(workers []workerpool.Worker) *Coordinator {
	c := &Coordinator{
		cfg:    &benchconfig.Config{},
		pool:   workerpool.New(),
		shared: sharedstate.New(),
		render: statsrender.New(&bytes.Buffer{}),
	}
	_ = c.pool.PrepareThreads(context.Background(), c.cfg, workers)
	return c
}

func TestRunBenchmarkPhaseFailsRunOnWorkerError(t *testing.T) {
	c := newTestCoordinator([]workerpool.Worker{&failingWorker{rank: 0}})

	err := c.runBenchmarkPhase(context.Background(), phase.CreateFiles)
	require.Error(t, err)
	var workerErr *errs.WorkerError
	assert.ErrorAs(t, err, &workerErr)
}

// timeExpiringWorker trips the shared time-limit flag mid-phase and then
// aborts, the way a real worker cancelled by the phase timer does.
type timeExpiringWorker struct {
	rank   int
	shared *sharedstate.SharedPhaseState
}

func (w *timeExpiringWorker) Rank() int { return w.rank }
func (w *timeExpiringWorker) Prepare(ctx context.Context, cfg *benchconfig.Config) error {
	return nil
}
func (w *timeExpiringWorker) RunPhase(ctx context.Context, p phase.BenchPhase, benchID string) error {
	w.shared.SetPhaseTimeExpired()
	return fmt.Errorf("aborted by time limit")
}
func (w *timeExpiringWorker) Close() error { return nil }

func TestRunBenchmarkPhaseTimeLimitTakesPriorityOverWorkerError(t *testing.T) {
	shared := sharedstate.New()
	c := &Coordinator{
		cfg:    &benchconfig.Config{},
		pool:   workerpool.New(),
		shared: shared,
		render: statsrender.New(&bytes.Buffer{}),
	}
	workers := []workerpool.Worker{&timeExpiringWorker{rank: 0, shared: shared}}
	require.NoError(t, c.pool.PrepareThreads(context.Background(), c.cfg, workers))

	err := c.runBenchmarkPhase(context.Background(), phase.ReadFiles)
	require.Error(t, err)
	var timeLimitErr *errs.TimeLimitError
	assert.ErrorAs(t, err, &timeLimitErr)
}

func TestArmPhaseTimeLimitNoopWhenUnset(t *testing.T) {
	c := &Coordinator{cfg: &benchconfig.Config{TimeLimitSecs: 0}, pool: workerpool.New(), shared: sharedstate.New()}
	stop := c.armPhaseTimeLimit()
	stop() // must not panic
}
