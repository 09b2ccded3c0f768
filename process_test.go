package reactor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerIDUnsetWhenNotForked(t *testing.T) {
	os.Unsetenv(workerEnvVar)
	_, ok := WorkerID()
	assert.False(t, ok)
}

func TestWorkerIDReflectsEnvVar(t *testing.T) {
	os.Setenv(workerEnvVar, "3")
	defer os.Unsetenv(workerEnvVar)

	id, ok := WorkerID()
	require.True(t, ok)
	assert.Equal(t, 3, id)
}

func TestRunWithoutWorkersCallsWorkerInProcess(t *testing.T) {
	os.Unsetenv(workerEnvVar)
	var calledWith = -1
	err := Run(RunOptions{
		Workers: 1,
		Worker: func(id int) error {
			calledWith = id
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calledWith)
}

func TestRunDelegatesToWorkerWhenAlreadyForked(t *testing.T) {
	os.Setenv(workerEnvVar, "2")
	defer os.Unsetenv(workerEnvVar)

	var calledWith = -1
	err := Run(RunOptions{
		Workers: 4,
		Worker: func(id int) error {
			calledWith = id
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calledWith)
}
