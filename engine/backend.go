package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"text/template"

	"golang.org/x/sync/errgroup"
)

// BatchBackend runs the batch scripts of one module.
// Submit returns once every batch has been started (or, for local, finished);
// the dispatcher then waits on the batch markers.
type BatchBackend interface {
	Name() string
	Submit(ctx context.Context, task *Task, scripts []*Script, res Resources) error
	// Probe reports batches the backend knows died without writing a marker.
	Probe(ctx context.Context, task *Task, pending []*Script) ([]*Script, error)
	// Release frees backend resources once the module is terminal.
	Release(ctx context.Context, task *Task, scripts []*Script) error
}

// ManagedBackend hands the remaining sequence to an external workflow system
// and reconciles markers from it.
type ManagedBackend interface {
	Name() string
	RunPipeline(ctx context.Context, pipeline *Pipeline, tasks []*Task) error
}

// LocalBackend runs batches as child processes, at most res.Workers at a time.
type LocalBackend struct {
	Shell string
}

func (b *LocalBackend) Name() string {
	return "local"
}

func (b *LocalBackend) Submit(ctx context.Context, task *Task, scripts []*Script, res Resources) error {
	if _, err := exec.LookPath(b.Shell); err != nil {
		return &EnvironmentError{Backend: b.Name(), Err: err}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(res.Workers)
	for _, script := range scripts {
		script := script
		g.Go(func() error {
			return b.runScript(ctx, task, script)
		})
	}
	return g.Wait()
}

// runScript only returns an error when the script could not be run at all;
// a nonzero exit is reported through the failure marker.
func (b *LocalBackend) runScript(ctx context.Context, task *Task, script *Script) error {
	logFile, err := os.Create(script.LogPath())
	if err != nil {
		return fmt.Errorf("failed to create log for %s: %v", script.Name(), err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, b.Shell, script.Path)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = task.TempDir()
	task.Log.Infof("running %s", script.Name())
	err = cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return &EnvironmentError{Backend: b.Name(), Err: err}
		}
		task.Log.Warnf("%s exited: %v", script.Name(), err)
		// killed before its trap could run
		if script.Status() == StatusPending {
			return writeFileAtomic(script.FailureMarker(), nil, 0664)
		}
	}
	return nil
}

func (b *LocalBackend) Probe(ctx context.Context, task *Task, pending []*Script) ([]*Script, error) {
	return nil, nil
}

func (b *LocalBackend) Release(ctx context.Context, task *Task, scripts []*Script) error {
	return nil
}

// ClusterBackend submits each batch to an external scheduler (qsub, sbatch, ...)
// and leaves completion to the marker wait. With a status command it also
// notices jobs the scheduler killed before their EXIT trap could run.
type ClusterBackend struct {
	BatchCommand string
	params       *template.Template
	status       *template.Template
	Paths        PathMapper

	mu   sync.Mutex
	jobs map[string]string // script path -> scheduler job id
}

// clusterParams is what cluster.params may reference, e.g. "-q {{.Queue}} -l mem={{.Memory}}".
type clusterParams struct {
	Resources
	Module string
	Script string
	Batch  int
}

// jobStatusParams is what cluster.statusCommand may reference, e.g.
// "squeue -h -j {{.JobID}} | grep -q ." The command must exit 0 while the
// scheduler still holds the job and nonzero once it is gone.
type jobStatusParams struct {
	JobID  string
	Script string
}

func NewClusterBackend(batchCommand, params, statusCommand string, paths PathMapper) (*ClusterBackend, error) {
	fields := strings.Fields(batchCommand)
	if len(fields) == 0 {
		return nil, &EnvironmentError{Backend: "cluster", Err: fmt.Errorf("no batch command configured")}
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, &EnvironmentError{Backend: "cluster", Err: err}
	}
	tmpl, err := template.New("params").Option("missingkey=error").Parse(params)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster.params template: %v", err)
	}
	var status *template.Template
	if statusCommand != "" {
		if status, err = template.New("status").Option("missingkey=error").Parse(statusCommand); err != nil {
			return nil, fmt.Errorf("invalid cluster.statusCommand template: %v", err)
		}
	}
	if paths == nil {
		paths = identityMapper{}
	}
	return &ClusterBackend{
		BatchCommand: batchCommand,
		params:       tmpl,
		status:       status,
		Paths:        paths,
		jobs:         map[string]string{},
	}, nil
}

func (b *ClusterBackend) Name() string {
	return "cluster"
}

func (b *ClusterBackend) command(task *Task, script *Script, res Resources) (string, error) {
	var params bytes.Buffer
	err := b.params.Execute(&params, clusterParams{
		Resources: res,
		Module:    task.Name,
		Script:    b.Paths.Map(script.Path),
		Batch:     script.Index,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render cluster.params: %v", err)
	}
	parts := []string{b.BatchCommand}
	if p := strings.TrimSpace(params.String()); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, Quote(b.Paths.Map(script.Path)))
	return strings.Join(parts, " "), nil
}

func (b *ClusterBackend) Submit(ctx context.Context, task *Task, scripts []*Script, res Resources) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(res.Workers)
	for _, script := range scripts {
		script := script
		g.Go(func() error {
			line, err := b.command(task, script, res)
			if err != nil {
				return err
			}
			out, err := exec.CommandContext(ctx, "/bin/sh", "-c", line).CombinedOutput()
			if err != nil {
				return &EnvironmentError{Backend: b.Name(), Err: fmt.Errorf("%s: %v: %s", line, err, strings.TrimSpace(string(out)))}
			}
			task.Log.Infof("submitted %s: %s", script.Name(), strings.TrimSpace(string(out)))
			if fields := strings.Fields(string(out)); len(fields) > 0 {
				// sbatch and qsub both end their output with the job id
				b.mu.Lock()
				b.jobs[script.Path] = fields[len(fields)-1]
				b.mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

// Probe asks the scheduler about each pending batch with a known job id.
// A batch is dead when the scheduler no longer holds its job and it still has no marker.
func (b *ClusterBackend) Probe(ctx context.Context, task *Task, pending []*Script) ([]*Script, error) {
	if b.status == nil {
		return nil, nil
	}
	dead := []*Script{}
	for _, script := range pending {
		b.mu.Lock()
		jobID, ok := b.jobs[script.Path]
		b.mu.Unlock()
		if !ok {
			continue
		}
		var line bytes.Buffer
		if err := b.status.Execute(&line, jobStatusParams{JobID: jobID, Script: b.Paths.Map(script.Path)}); err != nil {
			return dead, fmt.Errorf("failed to render cluster.statusCommand: %v", err)
		}
		err := exec.CommandContext(ctx, "/bin/sh", "-c", line.String()).Run()
		if err == nil {
			continue
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() == 127 {
			return dead, &EnvironmentError{Backend: b.Name(), Err: fmt.Errorf("%s: %v", line.String(), err)}
		}
		// the job may have finished between the marker scan and the status call
		if script.Status() == StatusPending {
			task.Log.Warnf("scheduler no longer holds job %s for %s", jobID, script.Name())
			dead = append(dead, script)
		}
	}
	return dead, nil
}

func (b *ClusterBackend) Release(ctx context.Context, task *Task, scripts []*Script) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, script := range scripts {
		delete(b.jobs, script.Path)
	}
	return nil
}
