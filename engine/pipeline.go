package engine

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/logging"
)

const (
	pipelineFile = "pipeline.json"
	runLogFile   = "runlog.json"
	summaryFile  = "summary.txt"
	inputDirName = "input"
	dateFormat   = "2006Jan02"
	snapshotExt  = ".yaml"

	// how many "<name>_<k>_<date>" roots to try before giving up
	maxRootAttempts = 1000
)

// pipelineRecord is pipeline.json, the durable identity of a pipeline.
type pipelineRecord struct {
	Name     string   `json:"name"`
	Config   string   `json:"config"`
	Source   string   `json:"source"`
	Created  string   `json:"created"`
	Backend  string   `json:"backend"`
	Sequence []string `json:"sequence"`
	Attempts int      `json:"attempts"`
	RunID    string   `json:"runID"`
}

// Pipeline owns a root directory and the tasks resolved for it.
type Pipeline struct {
	Root   string
	Config *config.Config
	Tasks  []*Task
	State  *StateStore
	RunLog *logging.RunLog
	Log    *logrus.Entry

	record   pipelineRecord
	resolver *Resolver
}

func (p *Pipeline) Name() string {
	return p.record.Name
}

func (p *Pipeline) Attempts() int {
	return p.record.Attempts
}

func (p *Pipeline) RunID() string {
	return p.record.RunID
}

func (p *Pipeline) Sequence() []string {
	return append([]string{}, p.record.Sequence...)
}

func (p *Pipeline) LogPath() string {
	return filepath.Join(p.Root, p.record.Name+".log")
}

// Task finds a task by its directory name, e.g. "01_Classify".
func (p *Pipeline) Task(name string) (*Task, error) {
	for _, t := range p.Tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("pipeline %s has no module %s", p.record.Name, name)
}

// CreatePipeline resolves conf and then claims a fresh root for it.
// Resolution happens first so a bad config leaves nothing on disk.
func CreatePipeline(conf *config.Config, resolver *Resolver, now time.Time) (*Pipeline, error) {
	snapshot, err := conf.Snapshot()
	if err != nil {
		return nil, err
	}
	tasks, err := resolver.Resolve(snapshot.Pipeline.Modules, snapshot)
	if err != nil {
		return nil, err
	}
	root, err := claimRoot(snapshot.Pipeline.BaseDir, snapshot.Pipeline.Name, now)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		Root:     root,
		Config:   snapshot,
		Tasks:    tasks,
		resolver: resolver,
		record: pipelineRecord{
			Name:     snapshot.Pipeline.Name,
			Config:   snapshot.Pipeline.Name + snapshotExt,
			Source:   conf.Path,
			Created:  now.Format(time.RFC3339),
			Backend:  snapshot.Pipeline.Backend,
			Sequence: Sequence(tasks),
			Attempts: 1,
			RunID:    uuid.New().String(),
		},
	}
	p.Log = logrus.WithField("pipeline", p.record.Name)

	b, err := snapshot.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config snapshot: %v", err)
	}
	if err = writeFileAtomic(filepath.Join(root, p.record.Config), b, 0664); err != nil {
		return nil, fmt.Errorf("failed to write config snapshot: %v", err)
	}
	if err = p.saveRecord(); err != nil {
		return nil, err
	}
	p.RunLog = logging.NewRunLog(filepath.Join(root, runLogFile), p.record.Name)
	p.RunLog.Attempt = 1
	p.RunLog.RunID = p.record.RunID
	p.bind()
	return p, nil
}

// claimRoot creates <base>/<name>_<date>, or <name>_<k>_<date> for k = 2, 3, ...
// when that is taken. os.Mkdir fails if the directory exists, so two
// processes can never claim the same root.
func claimRoot(base, name string, now time.Time) (string, error) {
	date := now.Format(dateFormat)
	for k := 1; k <= maxRootAttempts; k++ {
		dir := fmt.Sprintf("%s_%s", name, date)
		if k > 1 {
			dir = fmt.Sprintf("%s_%d_%s", name, k, date)
		}
		root := filepath.Join(base, dir)
		err := os.Mkdir(root, 0770)
		if err == nil {
			return root, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create pipeline root %s: %v", root, err)
		}
	}
	return "", fmt.Errorf("could not find a free pipeline root for %s under %s", name, base)
}

// OpenPipeline loads an existing root and re-resolves its sequence.
func OpenPipeline(root string, resolver *Resolver) (*Pipeline, error) {
	p, err := loadPipeline(root, resolver)
	if err != nil {
		return nil, err
	}
	if err = p.resolve(); err != nil {
		return nil, err
	}
	return p, nil
}

func loadPipeline(root string, resolver *Resolver) (*Pipeline, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	b, err := ioutil.ReadFile(filepath.Join(root, pipelineFile))
	if err != nil {
		return nil, fmt.Errorf("%s is not a pipeline root: %v", root, err)
	}
	p := &Pipeline{Root: root, resolver: resolver}
	if err = json.Unmarshal(b, &p.record); err != nil {
		return nil, fmt.Errorf("error unmarshalling %s: %v", pipelineFile, err)
	}
	p.Config, err = config.LoadSnapshot(filepath.Join(root, p.record.Config))
	if err != nil {
		return nil, err
	}
	p.Log = logrus.WithField("pipeline", p.record.Name)
	p.RunLog, err = logging.LoadRunLog(filepath.Join(root, runLogFile))
	if err != nil {
		p.RunLog = logging.NewRunLog(filepath.Join(root, runLogFile), p.record.Name)
	}
	p.State = NewStateStore(root, nil)
	return p, nil
}

// resolve re-runs the resolver on the snapshot config; any difference from
// the recorded sequence means the config changed and is fatal.
func (p *Pipeline) resolve() error {
	tasks, err := p.resolver.Resolve(p.Config.Pipeline.Modules, p.Config)
	if err != nil {
		return err
	}
	resolved := Sequence(tasks)
	if !equalSequences(resolved, p.record.Sequence) {
		return &SequenceMismatchError{Recorded: p.record.Sequence, Resolved: resolved}
	}
	p.Tasks = tasks
	p.bind()
	return nil
}

func equalSequences(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// bind places the tasks under the root.
func (p *Pipeline) bind() {
	inputDirs := p.Config.Input.Dirs
	if p.Config.Pipeline.CopyInput {
		inputDirs = []string{filepath.Join(p.Root, inputDirName)}
	}
	for _, t := range p.Tasks {
		t.Dir = filepath.Join(p.Root, t.Name)
		t.inputDirs = inputDirs
		t.Log = t.Log.WithField("pipeline", p.record.Name)
		if p.RunLog != nil {
			t.Run = p.RunLog.Module(t.Name)
		}
	}
	p.State = NewStateStore(p.Root, p.Tasks)
}

// PrepareRestart re-resolves and compares the sequence, clears the root Failed
// marker and counts the attempt, then resets and returns the first task without a
// Complete marker. Every task before it stays untouched. It returns nil when
// all tasks are already complete.
func (p *Pipeline) PrepareRestart() (*Task, error) {
	if p.State.PipelineStatus() == PipelineComplete {
		return nil, ErrPipelineComplete
	}
	// a rejected restart must leave the root as it was
	if err := p.resolve(); err != nil {
		return nil, err
	}
	if err := p.State.ClearPipelineFailed(); err != nil {
		return nil, err
	}
	p.record.Attempts++
	p.record.RunID = uuid.New().String()
	if err := p.saveRecord(); err != nil {
		return nil, err
	}
	p.RunLog.Attempt = p.record.Attempts
	p.RunLog.RunID = p.record.RunID

	for _, t := range p.Tasks {
		if p.State.IsComplete(t) {
			t.recovered()
			continue
		}
		if err := p.State.ResetTask(t); err != nil {
			return nil, err
		}
		// later tasks have not run, but a crash may have left a stale Started marker
		for _, later := range p.Tasks[t.Ordinal+1:] {
			if err := removeMarker(later.Dir, startedMarker); err != nil {
				return nil, err
			}
		}
		p.Log.Infof("restart attempt %d resumes at %s", p.record.Attempts, t.Name)
		return t, nil
	}
	return nil, nil
}

// RestartPipeline opens root and prepares it for another attempt.
func RestartPipeline(root string, resolver *Resolver) (*Pipeline, *Task, error) {
	p, err := loadPipeline(root, resolver)
	if err != nil {
		return nil, nil, err
	}
	first, err := p.PrepareRestart()
	if err != nil {
		return nil, nil, err
	}
	return p, first, nil
}

func (p *Pipeline) saveRecord() error {
	b, err := json.MarshalIndent(p.record, "", "  ")
	if err != nil {
		return err
	}
	if err = writeFileAtomic(filepath.Join(p.Root, pipelineFile), b, 0664); err != nil {
		return fmt.Errorf("failed to write %s: %v", pipelineFile, err)
	}
	return nil
}

// SaveRunLog writes runlog.json atomically.
func (p *Pipeline) SaveRunLog() error {
	j, err := p.RunLog.JSON()
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(p.Root, runLogFile), j, 0664)
}

// CopyInput copies the configured input dirs into <root>/input once;
// a Complete marker in that dir makes later calls no-ops.
func (p *Pipeline) CopyInput() error {
	if !p.Config.Pipeline.CopyInput {
		return nil
	}
	dst := filepath.Join(p.Root, inputDirName)
	if exists(filepath.Join(dst, completeMarker)) {
		return nil
	}
	if err := os.MkdirAll(dst, 0770); err != nil {
		return err
	}
	for _, dir := range p.Config.Input.Dirs {
		files, err := listFiles(dir)
		if err != nil {
			return fmt.Errorf("failed to list input dir %s: %v", dir, err)
		}
		for _, f := range files {
			if err = copyFile(f, filepath.Join(dst, filepath.Base(f))); err != nil {
				return err
			}
		}
	}
	p.Log.Infof("copied input data into %s", dst)
	return writeMarker(dst, completeMarker)
}

// RemoveTempFiles deletes every task's temp dir.
func (p *Pipeline) RemoveTempFiles() error {
	for _, t := range p.Tasks {
		if err := os.RemoveAll(t.TempDir()); err != nil {
			return err
		}
	}
	return nil
}

// SetPermissions applies pipeline.permissions to the whole root.
func (p *Pipeline) SetPermissions() error {
	if p.Config.Pipeline.Permissions == "" {
		return nil
	}
	mode, err := p.Config.PermissionMode()
	if err != nil {
		return err
	}
	return chmodTree(p.Root, mode)
}
