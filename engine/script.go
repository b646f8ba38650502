package engine

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
)

// this file contains the ScriptBuilder, which turns a module's command groups
// into batch scripts that report their own outcome through marker files

const (
	successSuffix = "_Success"
	failureSuffix = "_Failures"
	preambleName  = "preamble.sh"
	scriptPerm    = 0770
)

// Script is one batch of a module's work.
type Script struct {
	Path     string
	Index    int
	Commands []string
}

func (s *Script) Name() string {
	return filepath.Base(s.Path)
}

func (s *Script) SuccessMarker() string {
	return s.Path + successSuffix
}

func (s *Script) FailureMarker() string {
	return s.Path + failureSuffix
}

func (s *Script) LogPath() string {
	return s.Path + ".log"
}

// Status reads the batch markers. A failure marker wins over a success marker.
func (s *Script) Status() Status {
	switch {
	case exists(s.FailureMarker()):
		return StatusFailed
	case exists(s.SuccessMarker()):
		return StatusComplete
	}
	return StatusPending
}

// LogTail returns the last n lines the batch wrote to its log,
// or nothing when the backend kept no log next to the script.
func (s *Script) LogTail(n int) []string {
	b, err := ioutil.ReadFile(s.LogPath())
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// PathMapper translates host paths into the paths a backend's runtime sees.
type PathMapper interface {
	Map(path string) string
}

type identityMapper struct{}

func (identityMapper) Map(path string) string {
	return path
}

// PrefixMapper rewrites HostRoot to ContainerRoot, e.g. for a mounted volume.
type PrefixMapper struct {
	HostRoot      string
	ContainerRoot string
}

func (m PrefixMapper) Map(path string) string {
	if m.HostRoot == "" || m.ContainerRoot == "" {
		return path
	}
	rel, err := filepath.Rel(m.HostRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return path
	}
	return filepath.Join(m.ContainerRoot, rel)
}

// ScriptBuilder materializes batch scripts in a task's script directory.
type ScriptBuilder struct {
	Shell    string
	Preamble []string
	Paths    PathMapper
}

func NewScriptBuilder(shell string, preamble []string, paths PathMapper) *ScriptBuilder {
	if paths == nil {
		paths = identityMapper{}
	}
	return &ScriptBuilder{Shell: shell, Preamble: preamble, Paths: paths}
}

// Partition splits groups into min(workers, len(groups)) contiguous batches
// whose sizes differ by at most one.
func Partition(groups [][]string, workers int) ([][][]string, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("module produced no command groups")
	}
	if workers < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	n := workers
	if len(groups) < n {
		n = len(groups)
	}
	batches := make([][][]string, n)
	for i := 0; i < n; i++ {
		batches[i] = groups[i*len(groups)/n : (i+1)*len(groups)/n]
	}
	return batches, nil
}

// Build writes the preamble and one script per batch. Scripts are written
// atomically so a scheduler never picks up a partial file.
func (b *ScriptBuilder) Build(task *Task, groups [][]string, workers int) ([]*Script, error) {
	batches, err := Partition(groups, workers)
	if err != nil {
		return nil, err
	}
	threads := 1
	if task.Config != nil {
		threads = task.Config.Script.NumThreads
		if res, err := task.Resources(); err == nil {
			threads = res.Threads
		}
	}
	if err = writeFileAtomic(filepath.Join(task.ScriptDir(), preambleName), []byte(b.preamble(task, threads)), scriptPerm); err != nil {
		return nil, fmt.Errorf("failed to write preamble for %s: %v", task.Name, err)
	}
	scripts := make([]*Script, len(batches))
	for i, batch := range batches {
		script := &Script{
			Path:  filepath.Join(task.ScriptDir(), fmt.Sprintf("%s.%d.sh", task.Name, i)),
			Index: i,
		}
		for _, group := range batch {
			script.Commands = append(script.Commands, group...)
		}
		body := b.render(task, script, len(batches))
		if err = writeFileAtomic(script.Path, []byte(body), scriptPerm); err != nil {
			return nil, fmt.Errorf("failed to write script %s: %v", script.Path, err)
		}
		scripts[i] = script
	}
	return scripts, nil
}

func (b *ScriptBuilder) preamble(task *Task, threads int) string {
	var sb strings.Builder
	sb.WriteString("# helper functions shared by every batch script of " + task.Name + "\n")
	fmt.Fprintf(&sb, "export BOSUN_MODULE=%s\n", Quote(task.Name))
	fmt.Fprintf(&sb, "export BOSUN_OUTPUT_DIR=%s\n", Quote(b.Paths.Map(task.OutputDir())))
	fmt.Fprintf(&sb, "export BOSUN_TEMP_DIR=%s\n", Quote(b.Paths.Map(task.TempDir())))
	fmt.Fprintf(&sb, "export BOSUN_THREADS=%d\n", threads)
	sb.WriteString(`
# create a marker atomically: an empty temp file in the same dir renamed into place
bosun_mark() {
	local target="$1"
	local tmp
	tmp="$(mktemp "$(dirname "$target")/.$(basename "$target").tmp-XXXXXX")" || return 1
	sync "$tmp" 2>/dev/null || true
	mv -f "$tmp" "$target"
}

bosun_log() {
	echo "[$(date '+%Y-%m-%d %H:%M:%S')] $*"
}
`)
	for _, line := range b.Preamble {
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

func (b *ScriptBuilder) render(task *Task, script *Script, total int) string {
	path := b.Paths.Map(script.Path)
	var sb strings.Builder
	fmt.Fprintf(&sb, "#!%s\n", b.Shell)
	fmt.Fprintf(&sb, "# %s batch %d of %d\n", task.Name, script.Index+1, total)
	fmt.Fprintf(&sb, "source %s\n", Quote(filepath.Join(filepath.Dir(path), preambleName)))
	fmt.Fprintf(&sb, "bosun_script=%s\n", Quote(path))
	sb.WriteString(`trap 'bosun_status=$?; if [ "$bosun_status" -ne 0 ]; then bosun_mark "${bosun_script}` + failureSuffix + `"; fi; exit $bosun_status' EXIT
trap 'exit 143' TERM
trap 'exit 130' INT
set -o errexit -o pipefail
cd "$BOSUN_TEMP_DIR"
`)
	for _, cmd := range script.Commands {
		sb.WriteString(cmd + "\n")
	}
	sb.WriteString(`bosun_mark "${bosun_script}` + successSuffix + `"` + "\n")
	return sb.String()
}

// Quote single-quotes s for the shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
