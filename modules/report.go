package modules

import (
	"fmt"
	"path/filepath"

	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/engine"
)

const (
	reportExeProp    = "report.exe"
	reportScriptProp = "report.script"

	defaultReportExe = "Rscript"
)

// Report renders the taxa count table with an R script:
// <report.exe> <report.script> <count table> <output dir>.
type Report struct {
	engine.BaseModule
	exe    string
	script string
}

func NewReport(conf *config.Config) (engine.Module, error) {
	script, err := conf.RequireExistingFile(ReportID, reportScriptProp)
	if err != nil {
		return nil, err
	}
	exe := conf.String(ReportID, reportExeProp)
	if exe == "" {
		exe = defaultReportExe
	}
	return &Report{
		BaseModule: engine.BaseModule{Name: ReportID},
		exe:        exe,
		script:     script,
	}, nil
}

func (m *Report) PreRequisiteModules(conf *config.Config) ([]string, error) {
	return []string{ClassifierParserID}, nil
}

func (m *Report) IsValidInputModule(prev engine.Module) bool {
	return isModule(prev, ClassifierParserID)
}

func (m *Report) BuildScript(task *engine.Task, inputs []string) ([][]string, error) {
	for _, in := range inputs {
		if filepath.Base(in) == CountTableName {
			return [][]string{{
				fmt.Sprintf(`%s %s %s "$BOSUN_OUTPUT_DIR"`, engine.Quote(m.exe), engine.Quote(m.script), engine.Quote(in)),
			}}, nil
		}
	}
	return nil, fmt.Errorf("no %s in %s", CountTableName, inputDir(task))
}
