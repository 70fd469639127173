package statsrender

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/phase"
	"github.com/cuemby/iobench/internal/workerpool"
)

func TestPrintPhaseResultsTableHeaderAndRow(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.PrintPhaseResultsTableHeader()
	r.PrintPhaseResults(phase.CreateFiles, 4, 1, 2500*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "PHASE")
	assert.Contains(t, out, "WORKERS")
	assert.Contains(t, out, "CREATEFILES")
	assert.Contains(t, out, "2.5s")
}

func TestPrintDryRunInfoIncludesLabelOnlyWhenSet(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	cfg := &benchconfig.Config{
		TargetPaths: []string{"/data"},
		NumFiles:    10,
	}

	r.PrintDryRunInfo(cfg)
	assert.NotContains(t, buf.String(), "label:")

	buf.Reset()
	cfg.Label = "nightly"
	r.PrintDryRunInfo(cfg)
	assert.Contains(t, buf.String(), "nightly")
}

func TestPrintDryRunInfoIncludesPhasesWhenSelectionSet(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	sel := phase.NewSelection()
	sel.Enable(phase.CreateFiles)
	cfg := &benchconfig.Config{Selection: sel}

	r.PrintDryRunInfo(cfg)
	assert.Contains(t, buf.String(), "CREATEFILES")
}

func TestPrintLiveCountdownRoundsToSeconds(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.PrintLiveCountdown(4500 * time.Millisecond)
	assert.Contains(t, buf.String(), "Starting in 5s")
}

type noopWorker struct{ rank int }

func (w *noopWorker) Rank() int { return w.rank }
func (w *noopWorker) Prepare(ctx context.Context, cfg *benchconfig.Config) error {
	return nil
}
func (w *noopWorker) RunPhase(ctx context.Context, p phase.BenchPhase, benchID string) error {
	return nil
}
func (w *noopWorker) Close() error { return nil }

func TestLiveStatsJSONReflectsHandleState(t *testing.T) {
	pool := workerpool.New()
	workers := []workerpool.Worker{&noopWorker{rank: 0}, &noopWorker{rank: 1}}
	require.NoError(t, pool.PrepareThreads(context.Background(), &benchconfig.Config{}, workers))

	raw, err := LiveStatsJSON(pool)
	require.NoError(t, err)

	var decoded struct {
		Workers []struct {
			Rank    int    `json:"rank"`
			Phase   string `json:"phase"`
			Done    bool   `json:"done"`
			Errored bool   `json:"errored"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Workers, 2)
	assert.Equal(t, "IDLE", decoded.Workers[0].Phase)
	assert.False(t, decoded.Workers[0].Done)
}

func TestBenchResultJSONEncodesErrorHistoryAndCount(t *testing.T) {
	raw, err := BenchResultJSON("rank 0: boom\n", 1)
	require.NoError(t, err)

	var decoded struct {
		ErrorHistory      string `json:"errorHistory"`
		WorkersWithErrors int    `json:"workersWithErrors"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "rank 0: boom\n", decoded.ErrorHistory)
	assert.Equal(t, 1, decoded.WorkersWithErrors)
}
