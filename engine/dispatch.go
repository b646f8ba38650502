package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Dispatcher runs one module at a time against a backend and records the
// module's terminal state before returning.
type Dispatcher struct {
	Backend BatchBackend
	Builder *ScriptBuilder
	State   *StateStore
	waiter  *markerWaiter

	// NativeAsScript wraps native modules in a one-line script that re-invokes
	// Executable in direct mode, so they run on the backend too.
	NativeAsScript bool
	Executable     string
	Root           string

	mu     sync.Mutex
	active *Task
}

func NewDispatcher(backend BatchBackend, builder *ScriptBuilder, state *StateStore, poll, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Backend: backend,
		Builder: builder,
		State:   state,
		waiter:  &markerWaiter{interval: poll, timeout: timeout},
	}
}

func (d *Dispatcher) acquire(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return fmt.Errorf("cannot dispatch %s while %s is active", task.Name, d.active.Name)
	}
	d.active = task
	return nil
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = nil
}

// Active returns the module currently dispatched, if any.
func (d *Dispatcher) Active() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Run dispatches task and returns nil once it is Complete,
// or a *ModuleExecutionError once it is Failed. It never retries.
func (d *Dispatcher) Run(ctx context.Context, task *Task) error {
	if err := d.acquire(task); err != nil {
		return err
	}
	defer d.release()

	if err := d.State.MarkInProgress(task); err != nil {
		return err
	}
	err := d.run(ctx, task)
	if ctx.Err() != nil {
		// interrupted: leave the module in progress so restart picks it up
		return ctx.Err()
	}
	if err != nil {
		_ = task.advance(PhaseFailed)
		if markErr := d.State.MarkFailed(task, err); markErr != nil {
			task.Log.Errorf("%v", markErr)
		}
		return moduleError(task, err)
	}
	if err = d.State.MarkComplete(task); err != nil {
		_ = task.advance(PhaseFailed)
		return moduleError(task, err)
	}
	return task.advance(PhaseComplete)
}

func (d *Dispatcher) run(ctx context.Context, task *Task) error {
	if err := task.advance(PhaseValidating); err != nil {
		return err
	}
	if err := task.makeDirs(); err != nil {
		return err
	}
	if err := task.Module.CheckDependencies(task); err != nil {
		return err
	}

	var err error
	switch module := task.Module.(type) {
	case ScriptModule:
		err = d.runScriptModule(ctx, task, module)
	case NativeModule:
		if d.NativeAsScript {
			// the direct-mode child runs CleanUp itself
			return d.runNativeAsScript(ctx, task)
		}
		err = d.runNative(ctx, task, module)
	default:
		err = fmt.Errorf("module %s implements neither BuildScript nor RunModule", task.ID())
	}
	if err != nil {
		return err
	}
	if err = task.Module.CleanUp(task); err != nil {
		return fmt.Errorf("clean up failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) runNative(ctx context.Context, task *Task, module NativeModule) (err error) {
	if err = task.advance(PhaseDispatched); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", task.ID(), r)
		}
	}()
	task.Log.Info("running in-process")
	return module.RunModule(ctx, task)
}

func (d *Dispatcher) runNativeAsScript(ctx context.Context, task *Task) error {
	line := fmt.Sprintf("%s direct %s %s", Quote(d.Executable), Quote(d.Builder.Paths.Map(d.Root)), task.Name)
	scripts, err := d.Builder.Build(task, [][]string{{line}}, 1)
	if err != nil {
		return err
	}
	if err = task.advance(PhaseScripted); err != nil {
		return err
	}
	return d.runScripts(ctx, task, scripts, Resources{Workers: 1, Threads: 1})
}

func (d *Dispatcher) runScriptModule(ctx context.Context, task *Task, module ScriptModule) error {
	inputs, err := task.InputFiles()
	if err != nil {
		return fmt.Errorf("failed to list input files: %w", err)
	}
	groups, err := module.BuildScript(task, inputs)
	if err != nil {
		return err
	}
	res, err := task.Resources()
	if err != nil {
		return err
	}
	scripts, err := d.Builder.Build(task, groups, res.Workers)
	if err != nil {
		return err
	}
	if err = task.advance(PhaseScripted); err != nil {
		return err
	}
	return d.runScripts(ctx, task, scripts, res)
}

// runScripts returns only after every batch is terminal; one failed batch fails the module.
func (d *Dispatcher) runScripts(ctx context.Context, task *Task, scripts []*Script, res Resources) error {
	if err := task.advance(PhaseDispatched); err != nil {
		return err
	}
	if task.Run != nil {
		task.Run.Backend = d.Backend.Name()
		task.Run.Stats.NBatches = len(scripts)
		task.Run.Event.Infof("dispatching %d batches to %s", len(scripts), d.Backend.Name())
	}
	defer func() {
		if err := d.Backend.Release(context.Background(), task, scripts); err != nil {
			task.Log.Warnf("failed to release backend resources: %v", err)
		}
	}()

	if err := d.Backend.Submit(ctx, task, scripts, res); err != nil {
		return err
	}
	failed, err := d.waiter.wait(ctx, task, scripts, d.Backend)
	if err != nil {
		return err
	}
	if task.Run != nil {
		task.Run.Stats.NFailures = len(failed)
	}
	if len(failed) > 0 {
		names := make([]string, len(failed))
		for i, s := range failed {
			names[i] = s.Name()
			if task.Run == nil {
				continue
			}
			for _, line := range s.LogTail(logTailLines) {
				task.Run.Event.Errorf("%s: %s", s.Name(), line)
			}
		}
		return fmt.Errorf("%d of %d batches failed: %s", len(failed), len(scripts), strings.Join(names, ", "))
	}
	return nil
}
