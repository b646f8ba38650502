package engine

import (
	"context"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler writes a submit command that prints a job id. When run is
// true it executes the batch before returning, otherwise the job "dies" unseen.
func fakeScheduler(t *testing.T, run bool) string {
	body := "#!/bin/sh\nfor script; do :; done\n"
	if run {
		body += "/bin/bash \"$script\" > /dev/null 2>&1\n"
	}
	body += "echo \"Submitted batch job 42\"\n"
	path := filepath.Join(t.TempDir(), "submit")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0755))
	return path
}

func clusterDispatcher(t *testing.T, backend *ClusterBackend, store *StateStore) *Dispatcher {
	builder := NewScriptBuilder("/bin/bash", nil, nil)
	return NewDispatcher(backend, builder, store, 20*time.Millisecond, 30*time.Second)
}

func TestClusterBackendNoticesKilledJob(t *testing.T) {
	requireBash(t)
	module := scripted("Align")
	module.groups = [][]string{{"echo aligned"}}
	conf := testConfig(t, "Align")
	tasks, store := resolvedTasks(t, registryOf(t, module), conf)

	// the scheduler forgets job 42 without the batch ever writing a marker
	backend, err := NewClusterBackend(fakeScheduler(t, false), "", "test {{.JobID}} != 42", nil)
	require.NoError(t, err)

	start := time.Now()
	err = clusterDispatcher(t, backend, store).Run(context.Background(), tasks[0])
	var modErr *ModuleExecutionError
	require.True(t, errors.As(err, &modErr))
	assert.Contains(t, modErr.Error(), "1 of 1 batches failed")
	assert.Equal(t, StatusFailed, store.Status(tasks[0]))
	assert.Less(t, int64(time.Since(start)), int64(10*time.Second))
}

func TestClusterBackendFinishedJobIsNotDead(t *testing.T) {
	requireBash(t)
	module := scripted("Align")
	module.groups = [][]string{{"echo aligned"}, {"echo again"}}
	conf := testConfig(t, "Align")
	conf.Script.NumWorkers = 2
	tasks, store := resolvedTasks(t, registryOf(t, module), conf)

	// every status call says the job is gone; the markers must still win
	backend, err := NewClusterBackend(fakeScheduler(t, true), "-q {{.Queue}}", "false", nil)
	require.NoError(t, err)

	require.NoError(t, clusterDispatcher(t, backend, store).Run(context.Background(), tasks[0]))
	assert.Equal(t, StatusComplete, store.Status(tasks[0]))
	assert.Empty(t, backend.jobs)
}

func TestClusterBackendConfigErrors(t *testing.T) {
	_, err := NewClusterBackend("bosun-test-missing-sbatch", "", "", nil)
	var envErr *EnvironmentError
	assert.True(t, errors.As(err, &envErr))

	_, err = NewClusterBackend("/bin/sh", "", "squeue -j {{.JobID", nil)
	assert.Error(t, err)
}
