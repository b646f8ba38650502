package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/logging"
)

// Phase is the in-memory state of a task within one attempt.
// Pending -> Validating -> Scripted -> Dispatched -> {Complete, Failed}
type Phase int

const (
	PhasePending Phase = iota
	PhaseValidating
	PhaseScripted
	PhaseDispatched
	PhaseComplete
	PhaseFailed
)

var phaseNames = [...]string{"Pending", "Validating", "Scripted", "Dispatched", "Complete", "Failed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

const (
	outputDirName = "output"
	tempDirName   = "temp"
	scriptDirName = "script"

	logTailLines = 20
)

// Task is one module placed in a pipeline: the module plus its ordinal and directory.
type Task struct {
	Module  Module
	Ordinal int
	Name    string // <NN>_<ModuleId>
	Dir     string
	Config  *config.Config
	Log     *logrus.Entry
	Prev    *Task
	Run     *logging.Log

	inputDirs []string

	mu    sync.Mutex
	phase Phase
}

func taskName(ordinal int, id string) string {
	return fmt.Sprintf("%02d_%s", ordinal, id)
}

func (task *Task) ID() string {
	return task.Module.ID()
}

func (task *Task) OutputDir() string {
	return filepath.Join(task.Dir, outputDirName)
}

func (task *Task) TempDir() string {
	return filepath.Join(task.Dir, tempDirName)
}

func (task *Task) ScriptDir() string {
	return filepath.Join(task.Dir, scriptDirName)
}

func (task *Task) Phase() Phase {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.phase
}

// advance moves the task forward. Phases may be skipped (native modules never
// reach Scripted) but never revisited, and terminal phases are final.
func (task *Task) advance(to Phase) error {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.phase.terminal() {
		return fmt.Errorf("%s is already %s, cannot move to %s", task.Name, task.phase, to)
	}
	if to <= task.phase {
		return fmt.Errorf("%s cannot move back from %s to %s", task.Name, task.phase, to)
	}
	if task.Log != nil {
		task.Log.Debugf("%s -> %s", task.phase, to)
	}
	task.phase = to
	return nil
}

// reset is only called by restart, for the first incomplete task.
func (task *Task) reset() {
	task.mu.Lock()
	defer task.mu.Unlock()
	task.phase = PhasePending
}

// recovered marks a task found complete on disk by an earlier attempt.
func (task *Task) recovered() {
	task.mu.Lock()
	defer task.mu.Unlock()
	task.phase = PhaseComplete
}

// makeDirs creates the task directories on first dispatch.
func (task *Task) makeDirs() error {
	for _, dir := range []string{task.OutputDir(), task.TempDir(), task.ScriptDir()} {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return fmt.Errorf("error while making directory %s: %v", dir, err)
		}
	}
	return nil
}

// InputFiles returns the files this task reads: the previous task's output,
// or the pipeline input for the first task.
func (task *Task) InputFiles() ([]string, error) {
	if task.Prev != nil {
		return listFiles(task.Prev.OutputDir())
	}
	// a copied input dir carries its own Complete marker
	ignore := map[string]bool{completeMarker: true}
	for _, name := range task.Config.Input.Ignore {
		ignore[name] = true
	}
	files := []string{}
	for _, dir := range task.inputDirs {
		found, err := listFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			if !ignore[filepath.Base(f)] {
				files = append(files, f)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Resources resolves worker, thread, memory and queue settings.
// "<ModuleId>.script.numWorkers" style properties override the config sections.
func (task *Task) Resources() (Resources, error) {
	conf := task.Config
	id := task.ID()
	workers, err := conf.Int(id, "script.numWorkers", conf.Script.NumWorkers)
	if err != nil {
		return Resources{}, err
	}
	threads, err := conf.Int(id, "script.numThreads", conf.Script.NumThreads)
	if err != nil {
		return Resources{}, err
	}
	res := Resources{
		Workers: workers,
		Threads: threads,
		Memory:  conf.Cluster.Memory,
		Queue:   conf.Cluster.Queue,
	}
	if v := conf.String(id, "cluster.memory"); v != "" {
		res.Memory = v
	}
	if v := conf.String(id, "cluster.queue"); v != "" {
		res.Queue = v
	}
	if res.Workers < 1 {
		return Resources{}, &config.Error{Property: "script.numWorkers", Reason: fmt.Sprintf("must be positive for %s", id)}
	}
	return res, nil
}

func (task *Task) logTail() []string {
	if task.Run == nil {
		return nil
	}
	return task.Run.Event.Tail(logTailLines)
}
