package engine

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/uc-cdis/bosun/config"
)

// Resolver expands the configured module list into the ordered, validated sequence.
// Resolve is a pure function of the list and config: restart depends on getting
// the same sequence back.
type Resolver struct {
	Registry *Registry
	Log      *logrus.Entry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{
		Registry: registry,
		Log:      logrus.WithField("component", "resolver"),
	}
}

type resolution struct {
	registry *Registry
	conf     *config.Config
	max      int
	sequence []Module
	present  map[string]bool
}

// Resolve inserts each declared module's prerequisites before it and its
// postrequisites after it, recursively, then checks every adjacency.
// Nothing is written anywhere; on error no partial sequence escapes.
func (r *Resolver) Resolve(ids []string, conf *config.Config) ([]*Task, error) {
	if len(ids) == 0 {
		return nil, &DependencyResolutionError{Module: "pipeline", Reason: "no modules configured"}
	}
	res := &resolution{
		registry: r.Registry,
		conf:     conf,
		max:      conf.Pipeline.MaxModules,
		present:  make(map[string]bool),
	}
	declared := make(map[string]bool)
	for _, id := range ids {
		if declared[id] {
			return nil, &DependencyResolutionError{Module: id, Reason: "declared more than once"}
		}
		declared[id] = true
		if res.present[id] {
			r.Log.Warnf("%s was already added as an implicit dependency; ignoring its declaration", id)
			continue
		}
		if err := res.insert(id, nil); err != nil {
			return nil, err
		}
	}

	if !res.sequence[0].IsValidInputModule(nil) {
		return nil, &DependencyResolutionError{
			Module:      res.sequence[0].ID(),
			Predecessor: "pipeline input",
			Reason:      "module cannot be the first module",
		}
	}
	for i := 1; i < len(res.sequence); i++ {
		prev, cur := res.sequence[i-1], res.sequence[i]
		if !cur.IsValidInputModule(prev) {
			return nil, &DependencyResolutionError{
				Module:      cur.ID(),
				Predecessor: prev.ID(),
				Reason:      "incompatible input module",
			}
		}
	}

	tasks := make([]*Task, len(res.sequence))
	for i, module := range res.sequence {
		name := taskName(i, module.ID())
		tasks[i] = &Task{
			Module:  module,
			Ordinal: i,
			Name:    name,
			Config:  conf,
			Log:     logrus.WithField("module", name),
		}
		if i > 0 {
			tasks[i].Prev = tasks[i-1]
		}
	}
	return tasks, nil
}

// insert adds id and its implicit modules. stack holds the ids whose
// prerequisites are being expanded; meeting one again is a cycle.
func (res *resolution) insert(id string, stack []string) error {
	if res.present[id] {
		return nil
	}
	for _, onStack := range stack {
		if onStack == id {
			return &DependencyResolutionError{
				Module: id,
				Reason: fmt.Sprintf("prerequisite cycle: %s -> %s", strings.Join(stack, " -> "), id),
			}
		}
	}
	if len(res.sequence)+len(stack) >= res.max {
		return &DependencyResolutionError{
			Module: id,
			Reason: fmt.Sprintf("pipeline would exceed %d modules", res.max),
		}
	}
	module, err := res.registry.New(id, res.conf)
	if err != nil {
		return err
	}

	pre, err := module.PreRequisiteModules(res.conf)
	if err != nil {
		return wrapRequisiteErr(id, "prerequisite", err)
	}
	stack = append(stack, id)
	for _, p := range pre {
		if err = res.insert(p, stack); err != nil {
			return err
		}
	}
	// a prerequisite's postrequisites may already have placed id
	if res.present[id] {
		return nil
	}

	res.sequence = append(res.sequence, module)
	res.present[id] = true

	post, err := module.PostRequisiteModules(res.conf)
	if err != nil {
		return wrapRequisiteErr(id, "postrequisite", err)
	}
	for _, p := range post {
		if err = res.insert(p, nil); err != nil {
			return err
		}
	}
	return nil
}

func wrapRequisiteErr(id, kind string, err error) error {
	switch err.(type) {
	case *config.Error, *DependencyResolutionError:
		return err
	}
	return &DependencyResolutionError{Module: id, Reason: fmt.Sprintf("cannot list %s modules: %v", kind, err)}
}

// Sequence returns the task names in order; this is what pipeline.json records.
func Sequence(tasks []*Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return names
}
