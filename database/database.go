package database

// Dao stores the run history of pipelines: one PipelineRun per pipeline root
// and one ModuleRun per module attempt.
type Dao interface {
	CreateTables() error

	GetAllPipelines() ([]PipelineRun, error)
	GetPipelineByRoot(root string) (*PipelineRun, error)
	CreatePipeline(name string, root string, attempt int, status string, metadata JsonBytesMap) (int64, error)
	UpdatePipeline(pipeline *PipelineRun) error

	GetModuleRunsByPipeline(pipelineID int64) ([]ModuleRun, error)
	CreateModuleRun(pipelineID int64, name string, ordinal int, attempt int, status string, duration float64, runError string) (int64, error)

	KillDao()
}
