package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// marker files; existence is the whole fact, content is always empty
const (
	startedMarker  = "bosunStarted"
	completeMarker = "bosunComplete"
	failedMarker   = "bosunFailed"
)

// Status is the on-disk state of a module, rebuilt from markers on every read.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "InProgress"
	case StatusComplete:
		return "Complete"
	case StatusFailed:
		return "Failed"
	}
	return "Pending"
}

// PipelineStatus is the state of the whole pipeline, from the root marker.
type PipelineStatus int

const (
	PipelineRunning PipelineStatus = iota
	PipelineComplete
	PipelineFailed
)

func (s PipelineStatus) String() string {
	switch s {
	case PipelineComplete:
		return "Complete"
	case PipelineFailed:
		return "Failed"
	}
	return "Running"
}

// StateStore records module and pipeline status as marker files under the pipeline root.
// Any process that can see the root reads the same state.
type StateStore struct {
	Root  string
	Tasks []*Task

	mu sync.Mutex
}

func NewStateStore(root string, tasks []*Task) *StateStore {
	return &StateStore{Root: root, Tasks: tasks}
}

func dirStatus(dir string) Status {
	// Complete wins if a crash left Started behind
	switch {
	case exists(filepath.Join(dir, completeMarker)):
		return StatusComplete
	case exists(filepath.Join(dir, failedMarker)):
		return StatusFailed
	case exists(filepath.Join(dir, startedMarker)):
		return StatusInProgress
	}
	return StatusPending
}

func rootStatus(root string) PipelineStatus {
	switch {
	case exists(filepath.Join(root, completeMarker)):
		return PipelineComplete
	case exists(filepath.Join(root, failedMarker)):
		return PipelineFailed
	}
	return PipelineRunning
}

func (store *StateStore) Status(task *Task) Status {
	return dirStatus(task.Dir)
}

func (store *StateStore) IsComplete(task *Task) bool {
	return store.Status(task) == StatusComplete
}

// MarkInProgress refuses to start a module while another one is in progress,
// or a module that already reached a terminal state. Re-marking the same
// in-progress module is allowed so a direct-mode child can adopt its parent's claim.
func (store *StateStore) MarkInProgress(task *Task) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, other := range store.Tasks {
		if other != task && store.Status(other) == StatusInProgress {
			return fmt.Errorf("cannot start %s: %s is still in progress", task.Name, other.Name)
		}
	}
	switch status := store.Status(task); status {
	case StatusComplete, StatusFailed:
		return fmt.Errorf("cannot start %s: already %s", task.Name, status)
	case StatusInProgress:
		return nil
	}
	if err := os.MkdirAll(task.Dir, 0770); err != nil {
		return fmt.Errorf("error while making directory %s: %v", task.Dir, err)
	}
	return writeMarker(task.Dir, startedMarker)
}

// MarkComplete is idempotent; it fails if the module was already marked Failed.
func (store *StateStore) MarkComplete(task *Task) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	switch store.Status(task) {
	case StatusComplete:
		return removeMarker(task.Dir, startedMarker)
	case StatusFailed:
		return fmt.Errorf("cannot mark %s complete: already failed", task.Name)
	}
	if err := writeMarker(task.Dir, completeMarker); err != nil {
		return err
	}
	return removeMarker(task.Dir, startedMarker)
}

// MarkFailed is idempotent; it fails if the module was already marked Complete.
// The cause is logged, never written into the marker.
func (store *StateStore) MarkFailed(task *Task, cause error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	switch store.Status(task) {
	case StatusFailed:
		return removeMarker(task.Dir, startedMarker)
	case StatusComplete:
		return fmt.Errorf("cannot mark %s failed: already complete", task.Name)
	}
	if task.Log != nil && cause != nil {
		task.Log.Errorf("marking failed: %v", cause)
	}
	if err := os.MkdirAll(task.Dir, 0770); err != nil {
		return err
	}
	if err := writeMarker(task.Dir, failedMarker); err != nil {
		return err
	}
	return removeMarker(task.Dir, startedMarker)
}

// ResetTask returns a module to Pending for a restart by removing its directory.
func (store *StateStore) ResetTask(task *Task) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.Status(task) == StatusComplete {
		return fmt.Errorf("refusing to reset complete module %s", task.Name)
	}
	if err := os.RemoveAll(task.Dir); err != nil {
		return fmt.Errorf("failed to reset %s: %v", task.Name, err)
	}
	task.reset()
	return nil
}

func (store *StateStore) PipelineStatus() PipelineStatus {
	return rootStatus(store.Root)
}

func (store *StateStore) MarkPipelineComplete() error {
	if exists(filepath.Join(store.Root, failedMarker)) {
		return fmt.Errorf("cannot mark pipeline complete: already failed")
	}
	return writeMarker(store.Root, completeMarker)
}

func (store *StateStore) MarkPipelineFailed() error {
	if exists(filepath.Join(store.Root, completeMarker)) {
		return fmt.Errorf("cannot mark pipeline failed: already complete")
	}
	return writeMarker(store.Root, failedMarker)
}

// ClearPipelineFailed removes a stale root Failed marker before a restart.
func (store *StateStore) ClearPipelineFailed() error {
	return removeMarker(store.Root, failedMarker)
}

func writeMarker(dir, name string) error {
	path := filepath.Join(dir, name)
	if exists(path) {
		return nil
	}
	if err := writeFileAtomic(path, nil, 0664); err != nil {
		return fmt.Errorf("failed to write marker %s: %v", path, err)
	}
	return nil
}

func removeMarker(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove marker %s: %v", name, err)
	}
	return nil
}
