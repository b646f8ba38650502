package modules

import (
	"fmt"
	"strings"

	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/engine"
)

const (
	classifyExeProp    = "classify.exe"
	classifyParamsProp = "classify.params"

	// ClassifiedSuffix names the per-sample classifier output, "<sample>_classified.tsv".
	ClassifiedSuffix = "_classified.tsv"
)

// Classify runs an external taxonomic classifier once per sample.
// The classifier writes one "<read id>\t<taxon>" line per read to stdout.
type Classify struct {
	engine.BaseModule
	exe    string
	params []string
}

func NewClassify(conf *config.Config) (engine.Module, error) {
	exe, err := conf.RequireString(ClassifyID, classifyExeProp)
	if err != nil {
		return nil, err
	}
	return &Classify{
		BaseModule: engine.BaseModule{Name: ClassifyID},
		exe:        exe,
		params:     strings.Fields(conf.String(ClassifyID, classifyParamsProp)),
	}, nil
}

func (m *Classify) PreRequisiteModules(conf *config.Config) ([]string, error) {
	if isFastq(conf) {
		return []string{FastaConverterID}, nil
	}
	return nil, nil
}

func (m *Classify) PostRequisiteModules(conf *config.Config) ([]string, error) {
	return []string{ClassifierParserID}, nil
}

func (m *Classify) IsValidInputModule(prev engine.Module) bool {
	return prev == nil || isModule(prev, ImportMetadataID, FastaConverterID)
}

func (m *Classify) CheckDependencies(task *engine.Task) error {
	inputs, err := task.InputFiles()
	if err != nil {
		return err
	}
	if len(sequenceFiles(inputs)) == 0 {
		return fmt.Errorf("%s found no fasta files in %s", task.Name, inputDir(task))
	}
	return nil
}

// BuildScript makes one command group per sample so samples spread across workers.
func (m *Classify) BuildScript(task *engine.Task, inputs []string) ([][]string, error) {
	groups := [][]string{}
	for _, in := range sequenceFiles(inputs) {
		args := []string{engine.Quote(m.exe)}
		for _, p := range m.params {
			args = append(args, engine.Quote(p))
		}
		args = append(args, engine.Quote(in))
		out := sampleID(in) + ClassifiedSuffix
		groups = append(groups, []string{
			fmt.Sprintf(`%s > "$BOSUN_OUTPUT_DIR"/%s`, strings.Join(args, " "), engine.Quote(out)),
		})
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no fasta input for %s", task.Name)
	}
	return groups, nil
}

func sequenceFiles(inputs []string) []string {
	files := []string{}
	for _, in := range inputs {
		if hasExtension(in, fastaExtensions) {
			files = append(files, in)
		}
	}
	return files
}
