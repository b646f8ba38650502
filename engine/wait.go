package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// markerWaiter blocks until every batch has a success or failure marker.
// It polls at a fixed interval and wakes early on filesystem events where the
// filesystem delivers them (shared network filesystems often do not).
type markerWaiter struct {
	interval time.Duration
	timeout  time.Duration
}

// wait returns the failed batches once all batches are terminal.
func (w *markerWaiter) wait(ctx context.Context, task *Task, scripts []*Script, backend BatchBackend) ([]*Script, error) {
	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err = watcher.Add(task.ScriptDir()); err == nil {
			events, watchErrs = watcher.Events, watcher.Errors
		}
	}
	if err != nil {
		task.Log.Debugf("marker watch unavailable, polling only: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()

	for {
		pending, failed := scanScripts(scripts)
		if len(pending) == 0 {
			return failed, nil
		}
		dead, err := backend.Probe(ctx, task, pending)
		if err != nil {
			task.Log.Warnf("backend probe failed: %v", err)
		}
		for _, script := range dead {
			task.Log.Warnf("%s died without reporting; marking it failed", script.Name())
			if err = writeFileAtomic(script.FailureMarker(), nil, 0664); err != nil {
				return nil, err
			}
		}
		if len(dead) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("timed out after %v waiting for %d of %d batches", w.timeout, len(pending), len(scripts))
		case <-ticker.C:
		case <-events:
		case err := <-watchErrs:
			task.Log.Debugf("marker watch error: %v", err)
		}
	}
}

func scanScripts(scripts []*Script) (pending, failed []*Script) {
	for _, script := range scripts {
		switch script.Status() {
		case StatusFailed:
			failed = append(failed, script)
		case StatusPending:
			pending = append(pending, script)
		}
	}
	return pending, failed
}
