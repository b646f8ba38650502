package engine

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerLifecycle(t *testing.T) {
	reg := registryOf(t, stub("A"), stub("B"))
	tasks, store := resolvedTasks(t, reg, testConfig(t, "A", "B"))
	a := tasks[0]

	assert.Equal(t, StatusPending, store.Status(a))
	require.NoError(t, store.MarkInProgress(a))
	assert.Equal(t, StatusInProgress, store.Status(a))
	// a direct-mode child adopts the claim
	require.NoError(t, store.MarkInProgress(a))

	require.NoError(t, store.MarkComplete(a))
	assert.Equal(t, StatusComplete, store.Status(a))
	assert.False(t, exists(filepath.Join(a.Dir, startedMarker)))
	require.NoError(t, store.MarkComplete(a))

	assert.Error(t, store.MarkFailed(a, errors.New("late")))
	assert.Error(t, store.MarkInProgress(a))
	assert.Error(t, store.ResetTask(a))
}

func TestOnlyOneModuleInProgress(t *testing.T) {
	reg := registryOf(t, stub("A"), stub("B"))
	tasks, store := resolvedTasks(t, reg, testConfig(t, "A", "B"))

	require.NoError(t, store.MarkInProgress(tasks[0]))
	assert.Error(t, store.MarkInProgress(tasks[1]))
	require.NoError(t, store.MarkFailed(tasks[0], errors.New("boom")))
	assert.Equal(t, StatusFailed, store.Status(tasks[0]))
	assert.Error(t, store.MarkComplete(tasks[0]))
	require.NoError(t, store.MarkInProgress(tasks[1]))
}

func TestCompleteWinsOverStaleStarted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeMarker(dir, startedMarker))
	require.NoError(t, writeMarker(dir, completeMarker))
	assert.Equal(t, StatusComplete, dirStatus(dir))
}

func TestLeftoverTempFileReadsAsAbsent(t *testing.T) {
	dir := t.TempDir()
	// what a crash between create and rename leaves behind
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "."+completeMarker+".tmp-123"), nil, 0664))
	assert.Equal(t, StatusPending, dirStatus(dir))

	files, err := listFiles(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	require.NoError(t, writeFileAtomic(path, []byte("one"), 0664))
	require.NoError(t, writeFileAtomic(path, []byte("two"), 0600))

	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResetTaskRemovesDir(t *testing.T) {
	reg := registryOf(t, stub("A"))
	tasks, store := resolvedTasks(t, reg, testConfig(t, "A"))
	a := tasks[0]
	require.NoError(t, store.MarkInProgress(a))
	require.NoError(t, a.makeDirs())
	require.NoError(t, ioutil.WriteFile(filepath.Join(a.OutputDir(), "partial.txt"), []byte("x"), 0664))
	require.NoError(t, store.MarkFailed(a, nil))

	require.NoError(t, store.ResetTask(a))
	assert.False(t, exists(a.Dir))
	assert.Equal(t, StatusPending, store.Status(a))
	assert.Equal(t, PhasePending, a.Phase())
}

func TestPipelineMarkersAreExclusive(t *testing.T) {
	store := NewStateStore(t.TempDir(), nil)
	assert.Equal(t, PipelineRunning, store.PipelineStatus())
	require.NoError(t, store.MarkPipelineFailed())
	assert.Error(t, store.MarkPipelineComplete())
	require.NoError(t, store.ClearPipelineFailed())
	require.NoError(t, store.MarkPipelineComplete())
	assert.Equal(t, PipelineComplete, store.PipelineStatus())
	assert.Error(t, store.MarkPipelineFailed())
}

func TestPhasesOnlyMoveForward(t *testing.T) {
	task := &Task{Name: "00_A"}
	require.NoError(t, task.advance(PhaseValidating))
	require.NoError(t, task.advance(PhaseDispatched))
	assert.Error(t, task.advance(PhaseScripted))
	require.NoError(t, task.advance(PhaseComplete))
	assert.Error(t, task.advance(PhaseFailed))
	assert.Equal(t, "Complete", task.Phase().String())
}
