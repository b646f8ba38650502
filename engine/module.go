package engine

import (
	"context"
	"fmt"

	"github.com/uc-cdis/bosun/config"
)

// Module is the capability set every pipeline step implements.
// Modules hold no orchestration logic; the resolver and dispatcher drive them.
type Module interface {
	ID() string
	PreRequisiteModules(conf *config.Config) ([]string, error)
	PostRequisiteModules(conf *config.Config) ([]string, error)
	IsValidInputModule(prev Module) bool
	CheckDependencies(task *Task) error
	CleanUp(task *Task) error
	Summary(task *Task) (string, error)
}

// ScriptModule wraps external tools. Each inner slice is one group of
// command lines that must run in order on the same worker.
type ScriptModule interface {
	Module
	BuildScript(task *Task, inputs []string) ([][]string, error)
}

// NativeModule runs in-process (direct mode).
type NativeModule interface {
	Module
	RunModule(ctx context.Context, task *Task) error
}

// Resources are the only facts about a module the backends see besides its commands.
type Resources struct {
	Workers int
	Threads int
	Memory  string
	Queue   string
}

// BaseModule provides no-op defaults for the optional parts of the Module contract.
type BaseModule struct {
	Name string
}

func (m *BaseModule) ID() string {
	return m.Name
}

func (m *BaseModule) PreRequisiteModules(conf *config.Config) ([]string, error) {
	return nil, nil
}

func (m *BaseModule) PostRequisiteModules(conf *config.Config) ([]string, error) {
	return nil, nil
}

func (m *BaseModule) IsValidInputModule(prev Module) bool {
	return true
}

func (m *BaseModule) CheckDependencies(task *Task) error {
	return nil
}

func (m *BaseModule) CleanUp(task *Task) error {
	return nil
}

// Summary reports how many files the module produced.
func (m *BaseModule) Summary(task *Task) (string, error) {
	files, err := listFiles(task.OutputDir())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s produced %d output files", task.Name, len(files)), nil
}
