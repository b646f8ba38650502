package database

import (
	"fmt"
	"sync"
	"time"

	"github.com/uc-cdis/bosun/engine"
)

// Recorder writes engine outcomes into a Dao and serves them back to the status server.
type Recorder struct {
	Dao Dao

	mu  sync.Mutex
	ids map[string]int64
}

func NewRecorder(dao Dao) *Recorder {
	return &Recorder{Dao: dao, ids: map[string]int64{}}
}

// RecordPipeline creates the row for root on first sight and updates it afterwards.
func (r *Recorder) RecordPipeline(name, root string, attempt int, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pipeline, err := r.Dao.GetPipelineByRoot(root)
	if err != nil {
		return err
	}
	if pipeline == nil {
		id, err := r.Dao.CreatePipeline(name, root, attempt, status, JsonBytesMap{})
		if err != nil {
			return err
		}
		r.ids[root] = id
		return nil
	}
	r.ids[root] = pipeline.ID
	pipeline.Attempt = attempt
	pipeline.Status = status
	return r.Dao.UpdatePipeline(pipeline)
}

func (r *Recorder) RecordModule(root, module string, ordinal, attempt int, status string, duration float64, runErr string) error {
	id, err := r.pipelineID(root)
	if err != nil {
		return err
	}
	_, err = r.Dao.CreateModuleRun(id, module, ordinal, attempt, status, duration, runErr)
	return err
}

func (r *Recorder) pipelineID(root string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[root]; ok {
		return id, nil
	}
	pipeline, err := r.Dao.GetPipelineByRoot(root)
	if err != nil {
		return 0, err
	}
	if pipeline == nil {
		return 0, fmt.Errorf("no pipeline run recorded for %s", root)
	}
	r.ids[root] = pipeline.ID
	return pipeline.ID, nil
}

// Pipelines lists every recorded pipeline root, oldest first.
func (r *Recorder) Pipelines() ([]engine.RecordedPipeline, error) {
	runs, err := r.Dao.GetAllPipelines()
	if err != nil {
		return nil, err
	}
	pipelines := make([]engine.RecordedPipeline, len(runs))
	for i, run := range runs {
		pipelines[i] = engine.RecordedPipeline{
			Name:    run.Name,
			Root:    run.Root,
			Attempt: run.Attempt,
			Status:  run.Status,
			Updated: run.UpdatedAt.Format(time.RFC3339),
		}
	}
	return pipelines, nil
}

// ModuleRuns lists the recorded module outcomes of root; none if root was never recorded.
func (r *Recorder) ModuleRuns(root string) ([]engine.RecordedModule, error) {
	pipeline, err := r.Dao.GetPipelineByRoot(root)
	if err != nil || pipeline == nil {
		return nil, err
	}
	runs, err := r.Dao.GetModuleRunsByPipeline(pipeline.ID)
	if err != nil {
		return nil, err
	}
	modules := make([]engine.RecordedModule, len(runs))
	for i, run := range runs {
		modules[i] = engine.RecordedModule{
			Name:     run.Name,
			Attempt:  run.Attempt,
			Status:   run.Status,
			Duration: run.Duration,
			Error:    run.Error,
			Recorded: run.CreatedAt.Format(time.RFC3339),
		}
	}
	return modules, nil
}

func (r *Recorder) Close() {
	r.Dao.KillDao()
}
