package modules

import (
	"fmt"

	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/engine"
)

// keeps the header (minus '@') and sequence line of every 4-line fastq record
const fastqToFasta = `NR%4==1{print ">" substr($0,2)} NR%4==2{print}`

// FastaConverter rewrites fastq input as fasta for classifiers that only read fasta.
type FastaConverter struct {
	engine.BaseModule
}

func NewFastaConverter(conf *config.Config) (engine.Module, error) {
	return &FastaConverter{BaseModule: engine.BaseModule{Name: FastaConverterID}}, nil
}

func (m *FastaConverter) IsValidInputModule(prev engine.Module) bool {
	return prev == nil || isModule(prev, ImportMetadataID)
}

// BuildScript converts each fastq file and passes every other file through.
func (m *FastaConverter) BuildScript(task *engine.Task, inputs []string) ([][]string, error) {
	groups := [][]string{}
	for _, in := range inputs {
		if !hasExtension(in, fastqExtensions) {
			groups = append(groups, []string{fmt.Sprintf(`cp %s "$BOSUN_OUTPUT_DIR"/`, engine.Quote(in))})
			continue
		}
		out := sampleID(in) + ".fasta"
		groups = append(groups, []string{
			fmt.Sprintf(`awk %s %s > "$BOSUN_OUTPUT_DIR"/%s`, engine.Quote(fastqToFasta), engine.Quote(in), engine.Quote(out)),
		})
	}
	return groups, nil
}

func (m *FastaConverter) CheckDependencies(task *engine.Task) error {
	inputs, err := task.InputFiles()
	if err != nil {
		return err
	}
	for _, in := range inputs {
		if hasExtension(in, fastqExtensions) {
			return nil
		}
	}
	return fmt.Errorf("%s found no fastq files among %d inputs in %s", task.Name, len(inputs), inputDir(task))
}

func inputDir(task *engine.Task) string {
	if task.Prev != nil {
		return task.Prev.OutputDir()
	}
	return "the pipeline input"
}
