package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsFormatAndAssert(t *testing.T) {
	var cfgErr error = NewConfigError("bad flag %q", "--hosts")
	assert.Equal(t, `bad flag "--hosts"`, cfgErr.Error())
	var cfg *ConfigError
	assert.True(t, errors.As(cfgErr, &cfg))

	var interrupted error = NewInterruptedError("terminating due to interrupt signal")
	var ie *InterruptedError
	assert.True(t, errors.As(interrupted, &ie))

	var timeLimit error = NewTimeLimitError("terminating due to phase time limit")
	var tle *TimeLimitError
	assert.True(t, errors.As(timeLimit, &tle))

	var worker error = NewWorkerError("%d worker(s) finished with an error", 2)
	assert.Equal(t, "2 worker(s) finished with an error", worker.Error())

	var proto error = NewProtocolError("missing parameter: %s", "benchphasecode")
	var pe *ProtocolError
	assert.True(t, errors.As(proto, &pe))
}

func TestDistinctErrorTypesDoNotMatchEachOther(t *testing.T) {
	var cfgErr error = NewConfigError("x")
	var tle *TimeLimitError
	assert.False(t, errors.As(cfgErr, &tle))
}
