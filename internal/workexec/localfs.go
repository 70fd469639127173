package workexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/iobench/internal/benchconfig"
	"github.com/cuemby/iobench/internal/errs"
	"github.com/cuemby/iobench/internal/phase"
)

// LocalFS is the default PhaseExecutor used by LocalWorker: it performs
// directory/file create, stat, read and delete phases against one of the
// run's configured target paths. It is intentionally minimal: the real
// subject of this repository is the orchestration around phase execution,
// not the I/O itself.
type LocalFS struct{}

// NewLocalFS creates a LocalFS executor.
func NewLocalFS() *LocalFS { return &LocalFS{} }

func (l *LocalFS) RunPhase(ctx context.Context, p phase.BenchPhase, rank int, cfg *benchconfig.Config) error {
	if len(cfg.TargetPaths) == 0 {
		return errs.NewConfigError("no target paths configured")
	}
	base := cfg.TargetPaths[rank%len(cfg.TargetPaths)]
	rankDir := filepath.Join(base, fmt.Sprintf("rank%d", rank))

	switch p {
	case phase.Sync, phase.DropCaches, phase.Idle, phase.Terminate:
		return nil

	case phase.CreateDirs:
		return os.MkdirAll(rankDir, 0755)

	case phase.CreateFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			if err := writeFile(rankDir, i, cfg.FileSizeBytes); err != nil {
				return err
			}
		}
		return nil

	case phase.StatFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			if _, err := os.Stat(filepath.Join(rankDir, fileName(i))); err != nil {
				return err
			}
		}
		return nil

	case phase.ReadFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			if err := readFile(rankDir, i); err != nil {
				return err
			}
		}
		return nil

	case phase.DeleteFiles:
		for i := 0; i < cfg.NumFiles; i++ {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			if err := os.Remove(filepath.Join(rankDir, fileName(i))); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil

	case phase.DeleteDirs:
		return os.Remove(rankDir)

	case phase.ListObjects, phase.ListObjParallel, phase.MultiDelObj,
		phase.PutBucketACL, phase.PutObjACL, phase.GetObjACL, phase.GetBucketACL:
		return fmt.Errorf("phase %s requires an S3-capable executor, not LocalFS", p)

	default:
		return fmt.Errorf("unsupported phase: %s", p)
	}
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func fileName(i int) string {
	return fmt.Sprintf("file%d", i)
}

func writeFile(dir string, i int, size int64) error {
	f, err := os.OpenFile(filepath.Join(dir, fileName(i)), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			return err
		}
	}
	return nil
}

func readFile(dir string, i int) error {
	f, err := os.Open(filepath.Join(dir, fileName(i)))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(io.Discard, f)
	return err
}
