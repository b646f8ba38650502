package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPipelineComplete is returned when asked to run or restart a finished pipeline.
var ErrPipelineComplete = errors.New("pipeline is already complete")

// DependencyResolutionError is raised before any module runs when the
// configured module list cannot be expanded into a valid sequence.
type DependencyResolutionError struct {
	Module string
	// Predecessor is set when the failure is an incompatible adjacency
	Predecessor string
	Reason      string
}

func (e *DependencyResolutionError) Error() string {
	if e.Predecessor != "" {
		return fmt.Sprintf("dependency resolution failed: %s cannot follow %s: %s", e.Module, e.Predecessor, e.Reason)
	}
	return fmt.Sprintf("dependency resolution failed: %s: %s", e.Module, e.Reason)
}

// SequenceMismatchError is raised on restart when the config no longer resolves
// to the sequence recorded when the pipeline was created.
type SequenceMismatchError struct {
	Recorded []string
	Resolved []string
}

func (e *SequenceMismatchError) Error() string {
	return fmt.Sprintf("restart rejected: config resolves to [%s] but pipeline was created with [%s]",
		strings.Join(e.Resolved, ", "), strings.Join(e.Recorded, ", "))
}

// ModuleExecutionError is raised when a batch exits nonzero, times out,
// or a native module returns an error or panics.
type ModuleExecutionError struct {
	Module  string
	TempDir string
	LogTail []string
	Err     error
}

func (e *ModuleExecutionError) Error() string {
	return fmt.Sprintf("module %s failed: %v", e.Module, e.Err)
}

func (e *ModuleExecutionError) Unwrap() error {
	return e.Err
}

// EnvironmentError is raised when the selected backend is unreachable or misconfigured.
type EnvironmentError struct {
	Backend string
	Err     error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}

func moduleError(task *Task, err error) error {
	var modErr *ModuleExecutionError
	if errors.As(err, &modErr) {
		return err
	}
	return &ModuleExecutionError{
		Module:  task.Name,
		TempDir: task.TempDir(),
		LogTail: task.logTail(),
		Err:     err,
	}
}
