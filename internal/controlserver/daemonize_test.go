package controlserver

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFileWritesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iobench.pid")

	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf.Release()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquirePIDFileRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iobench.pid")

	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf.Release()

	_, err = AcquirePIDFile(path)
	assert.Error(t, err)
}

func TestReleaseAllowsReacquisition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iobench.pid")

	pf, err := AcquirePIDFile(path)
	require.NoError(t, err)
	require.NoError(t, pf.Release())

	pf2, err := AcquirePIDFile(path)
	require.NoError(t, err)
	defer pf2.Release()
}
