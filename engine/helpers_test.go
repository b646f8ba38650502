package engine

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uc-cdis/bosun/config"
)

// stubModule is a configurable module for resolver and engine tests.
type stubModule struct {
	BaseModule
	pre     []string
	post    []string
	accepts func(prev Module) bool
	runs    int32
}

func (m *stubModule) PreRequisiteModules(conf *config.Config) ([]string, error) {
	return m.pre, nil
}

func (m *stubModule) PostRequisiteModules(conf *config.Config) ([]string, error) {
	return m.post, nil
}

func (m *stubModule) IsValidInputModule(prev Module) bool {
	if m.accepts == nil {
		return true
	}
	return m.accepts(prev)
}

func (m *stubModule) Runs() int {
	return int(atomic.LoadInt32(&m.runs))
}

// nativeStub writes one output file per run, or runs fn when set.
type nativeStub struct {
	stubModule
	fn func(ctx context.Context, task *Task) error
}

func (m *nativeStub) RunModule(ctx context.Context, task *Task) error {
	atomic.AddInt32(&m.runs, 1)
	if m.fn != nil {
		return m.fn(ctx, task)
	}
	return ioutil.WriteFile(filepath.Join(task.OutputDir(), m.Name+".txt"), []byte(m.Name), 0664)
}

// scriptStub returns fixed command groups, or one copy command per input file.
type scriptStub struct {
	stubModule
	groups [][]string
}

func (m *scriptStub) BuildScript(task *Task, inputs []string) ([][]string, error) {
	atomic.AddInt32(&m.runs, 1)
	if m.groups != nil {
		return m.groups, nil
	}
	groups := [][]string{}
	for _, in := range inputs {
		groups = append(groups, []string{"cp " + Quote(in) + " \"$BOSUN_OUTPUT_DIR\"/"})
	}
	return groups, nil
}

func native(name string) *nativeStub {
	return &nativeStub{stubModule: stubModule{BaseModule: BaseModule{Name: name}}}
}

func scripted(name string) *scriptStub {
	return &scriptStub{stubModule: stubModule{BaseModule: BaseModule{Name: name}}}
}

func stub(name string) *stubModule {
	return &stubModule{BaseModule: BaseModule{Name: name}}
}

func registryOf(t *testing.T, modules ...Module) *Registry {
	reg := NewRegistry()
	for _, m := range modules {
		m := m
		require.NoError(t, reg.Register(m.ID(), func(conf *config.Config) (Module, error) {
			return m, nil
		}))
	}
	return reg
}

func testConfig(t *testing.T, modules ...string) *config.Config {
	conf, err := config.Parse([]byte("pipeline:\n  name: test\n"))
	require.NoError(t, err)
	conf.Pipeline.BaseDir = t.TempDir()
	conf.Pipeline.Modules = modules
	conf.Cluster.PollInterval = 20 * time.Millisecond
	conf.Cluster.Timeout = 30 * time.Second
	return conf
}

// resolvedTasks resolves ids and binds the tasks under a fresh root.
func resolvedTasks(t *testing.T, reg *Registry, conf *config.Config) ([]*Task, *StateStore) {
	tasks, err := NewResolver(reg).Resolve(conf.Pipeline.Modules, conf)
	require.NoError(t, err)
	root := t.TempDir()
	for _, task := range tasks {
		task.Dir = filepath.Join(root, task.Name)
	}
	return tasks, NewStateStore(root, tasks)
}
