package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/logging"
)

// this file contains the top level loop of the engine
// the engine
// 1. creates or reopens a pipeline
// 2. dispatches every incomplete module in order
// 3. marks the pipeline terminal and writes the summary

// HistoryRecorder receives pipeline and module outcomes, e.g. for a run history database.
type HistoryRecorder interface {
	RecordPipeline(name, root string, attempt int, status string) error
	RecordModule(root, module string, ordinal, attempt int, status string, duration float64, runErr string) error
}

// Engine runs pipelines built from the modules in Registry.
type Engine struct {
	Registry *Registry
	Resolver *Resolver
	History  HistoryRecorder
	// Executable is the path of this binary, used to re-invoke direct mode
	Executable string
	Log        *logrus.Entry
	Now        func() time.Time

	newBackend  func(p *Pipeline) (interface{}, error)
	afterModule func(task *Task)
}

func New(registry *Registry, executable string) *Engine {
	e := &Engine{
		Registry:   registry,
		Resolver:   NewResolver(registry),
		Executable: executable,
		Log:        logrus.WithField("component", "engine"),
		Now:        time.Now,
	}
	e.newBackend = e.selectBackend
	return e
}

// Run resolves conf, creates a new pipeline root and runs every module.
func (e *Engine) Run(ctx context.Context, conf *config.Config) (*Pipeline, error) {
	p, err := CreatePipeline(conf, e.Resolver, e.Now())
	if err != nil {
		return nil, err
	}
	e.Log.Infof("created pipeline %s", p.Root)
	return p, e.execute(ctx, p, 0)
}

// Restart resumes the pipeline at root from its first incomplete module.
func (e *Engine) Restart(ctx context.Context, root string) (*Pipeline, error) {
	p, first, err := RestartPipeline(root, e.Resolver)
	if err != nil {
		return nil, err
	}
	start := len(p.Tasks)
	if first != nil {
		start = first.Ordinal
	}
	return p, e.execute(ctx, p, start)
}

// ParseModuleDir splits "NN_ModuleId" into its ordinal and module id.
func ParseModuleDir(name string) (int, string, error) {
	i := strings.Index(name, "_")
	if i < 1 || i == len(name)-1 {
		return 0, "", fmt.Errorf("module %q must look like NN_ModuleId", name)
	}
	ordinal, err := strconv.Atoi(name[:i])
	if err != nil {
		return 0, "", fmt.Errorf("module %q must start with its ordinal: %v", name, err)
	}
	return ordinal, name[i+1:], nil
}

// Direct runs a single module of an existing pipeline in this process.
// Scripts, if any, run locally. Only the module's markers are written.
func (e *Engine) Direct(ctx context.Context, root, name string) error {
	if _, _, err := ParseModuleDir(name); err != nil {
		return err
	}
	p, err := OpenPipeline(root, e.Resolver)
	if err != nil {
		return err
	}
	task, err := p.Task(name)
	if err != nil {
		return err
	}
	if p.State.IsComplete(task) {
		task.Log.Info("already complete")
		return nil
	}
	for _, t := range p.Tasks[:task.Ordinal] {
		if !p.State.IsComplete(t) {
			return fmt.Errorf("cannot run %s before %s is complete", name, t.Name)
		}
		t.recovered()
	}
	conf := p.Config
	builder := NewScriptBuilder(conf.Script.Shell, conf.Script.Preamble, nil)
	d := NewDispatcher(&LocalBackend{Shell: conf.Script.Shell}, builder, p.State, conf.Cluster.PollInterval, conf.Cluster.Timeout)
	task.Log.Info("running in direct mode")
	return d.Run(ctx, task)
}

func (e *Engine) execute(ctx context.Context, p *Pipeline, start int) error {
	attached, err := logging.AttachFile(p.LogPath())
	if err != nil {
		e.Log.Warnf("pipeline log unavailable: %v", err)
	} else {
		defer attached.Close()
	}
	p.Log.Infof("attempt %d of %s: %d modules, starting at %d", p.Attempts(), p.Root, len(p.Tasks), start)
	e.recordPipeline(p, logging.Running)

	for _, t := range p.Tasks[:start] {
		t.recovered()
		t.Run.Skip()
	}

	if err = p.CopyInput(); err != nil {
		return e.finish(p, fmt.Errorf("failed to copy input data: %w", err))
	}
	backend, err := e.newBackend(p)
	if err != nil {
		return e.finish(p, err)
	}
	switch b := backend.(type) {
	case ManagedBackend:
		err = e.runManaged(ctx, p, b, start)
	case BatchBackend:
		err = e.runSequential(ctx, p, b, start)
	default:
		err = fmt.Errorf("unsupported backend %T", backend)
	}
	if ctx.Err() != nil {
		p.Log.Warnf("interrupted; run `bosun restart %s` to resume", p.Root)
		e.saveRunLog(p)
		return ctx.Err()
	}
	return e.finish(p, err)
}

// selectBackend builds the backend named by pipeline.backend, once per attempt.
func (e *Engine) selectBackend(p *Pipeline) (interface{}, error) {
	conf := p.Config
	switch conf.Pipeline.Backend {
	case config.BackendCluster:
		return NewClusterBackend(conf.Cluster.BatchCommand, conf.Cluster.Params, conf.Cluster.StatusCommand, nil)
	case config.BackendContainer:
		return NewContainerBackend(conf, p.Name())
	case config.BackendCloud:
		return NewCloudBackend(conf)
	}
	return &LocalBackend{Shell: conf.Script.Shell}, nil
}

func (e *Engine) dispatcher(p *Pipeline, backend BatchBackend) *Dispatcher {
	conf := p.Config
	poll, timeout := conf.Cluster.PollInterval, conf.Cluster.Timeout
	var paths PathMapper
	if conf.Pipeline.Backend == config.BackendContainer {
		poll, timeout = conf.Container.PollInterval, conf.Container.Timeout
		paths = PrefixMapper{HostRoot: conf.Container.HostRoot, ContainerRoot: conf.Container.ContainerRoot}
	}
	d := NewDispatcher(backend, NewScriptBuilder(conf.Script.Shell, conf.Script.Preamble, paths), p.State, poll, timeout)
	if conf.Pipeline.Backend == config.BackendCluster && conf.Cluster.RunNativeAsScript {
		d.NativeAsScript = true
		d.Executable = e.Executable
		if conf.Cluster.Executable != "" {
			d.Executable = conf.Cluster.Executable
		}
		d.Root = p.Root
	}
	return d
}

func (e *Engine) runSequential(ctx context.Context, p *Pipeline, backend BatchBackend, start int) error {
	d := e.dispatcher(p, backend)
	for _, t := range p.Tasks[start:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.State.IsComplete(t) {
			t.recovered()
			t.Run.Skip()
			continue
		}
		t.Run.Start()
		e.saveRunLog(p)
		err := d.Run(ctx, t)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			t.Run.Fail()
			t.Run.Event.Errorf("%v", err)
			e.recordModule(p, t, logging.Failed, err)
			return err
		}
		t.Run.Finish()
		e.saveRunLog(p)
		e.recordModule(p, t, logging.Completed, nil)
		if e.afterModule != nil {
			e.afterModule(t)
		}
	}
	return nil
}

func (e *Engine) runManaged(ctx context.Context, p *Pipeline, backend ManagedBackend, start int) error {
	pending := []*Task{}
	for _, t := range p.Tasks[start:] {
		if !p.State.IsComplete(t) {
			t.Run.Start()
			t.Run.Backend = backend.Name()
			pending = append(pending, t)
		}
	}
	e.saveRunLog(p)
	runErr := backend.RunPipeline(ctx, p, pending)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, t := range pending {
		switch p.State.Status(t) {
		case StatusComplete:
			t.recovered()
			t.Run.Finish()
			e.recordModule(p, t, logging.Completed, nil)
		case StatusFailed:
			t.Run.Fail()
			err := moduleError(t, fmt.Errorf("failed in %s backend", backend.Name()))
			e.recordModule(p, t, logging.Failed, err)
			return err
		default:
			// the managed system stopped before this module reached a terminal marker
			err := unfinishedError(t, backend.Name(), runErr)
			if markErr := p.State.MarkFailed(t, err); markErr != nil {
				p.Log.Errorf("%v", markErr)
			}
			t.Run.Fail()
			e.recordModule(p, t, logging.Failed, err)
			return err
		}
	}
	return runErr
}

// unfinishedError keeps an environment failure as is, so it is reported as one.
func unfinishedError(t *Task, backend string, runErr error) error {
	var envErr *EnvironmentError
	switch {
	case errors.As(runErr, &envErr):
		return runErr
	case runErr != nil:
		return moduleError(t, fmt.Errorf("did not finish in %s backend: %w", backend, runErr))
	}
	return moduleError(t, fmt.Errorf("did not finish in %s backend", backend))
}

// finish marks the root terminal. A failed pipeline keeps every Complete module marker.
func (e *Engine) finish(p *Pipeline, runErr error) error {
	defer func() {
		if err := p.SetPermissions(); err != nil {
			p.Log.Warnf("failed to set permissions: %v", err)
		}
	}()
	if runErr != nil {
		if err := p.State.MarkPipelineFailed(); err != nil {
			p.Log.Errorf("%v", err)
		}
		e.writeSummary(p, runErr)
		e.saveRunLog(p)
		e.recordPipeline(p, logging.Failed)
		return runErr
	}
	if p.Config.Pipeline.DeleteTempFiles {
		if err := p.RemoveTempFiles(); err != nil {
			p.Log.Warnf("failed to remove temp files: %v", err)
		}
	}
	e.writeSummary(p, nil)
	if err := p.State.MarkPipelineComplete(); err != nil {
		return err
	}
	p.RunLog.Main.Finish()
	e.saveRunLog(p)
	e.recordPipeline(p, logging.Completed)
	p.Log.Infof("pipeline complete: %s", p.Root)
	return nil
}

func (e *Engine) writeSummary(p *Pipeline, failure error) {
	text, err := WriteSummary(p, failure)
	if err != nil {
		p.Log.Warnf("failed to write summary: %v", err)
		return
	}
	if failure != nil {
		p.Log.Error(text)
	}
}

func (e *Engine) saveRunLog(p *Pipeline) {
	if err := p.SaveRunLog(); err != nil {
		p.Log.Warnf("failed to save run log: %v", err)
	}
}

func (e *Engine) recordPipeline(p *Pipeline, status string) {
	if e.History == nil {
		return
	}
	if err := e.History.RecordPipeline(p.Name(), p.Root, p.Attempts(), status); err != nil {
		p.Log.Warnf("failed to record pipeline history: %v", err)
	}
}

func (e *Engine) recordModule(p *Pipeline, t *Task, status string, runErr error) {
	if e.History == nil {
		return
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := e.History.RecordModule(p.Root, t.Name, t.Ordinal, p.Attempts(), status, t.Run.Stats.Duration, msg); err != nil {
		p.Log.Warnf("failed to record module history: %v", err)
	}
}

// IsConfigError reports errors that mean the operator must fix the config.
func IsConfigError(err error) bool {
	var confErr *config.Error
	var resErr *DependencyResolutionError
	var seqErr *SequenceMismatchError
	return errors.As(err, &confErr) || errors.As(err, &resErr) || errors.As(err, &seqErr)
}
