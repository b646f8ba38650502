package modules

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/engine"
)

const fakeClassifier = `#!/bin/bash
awk '/^>/{print substr($1,2) "\tBacteroides"}' "$1"
`

func writeFile(t *testing.T, path, body string, perm os.FileMode) string {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0770))
	require.NoError(t, ioutil.WriteFile(path, []byte(body), perm))
	return path
}

func registry(t *testing.T) *engine.Registry {
	reg := engine.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func baseConfig(t *testing.T, modules ...string) *config.Config {
	conf, err := config.Parse([]byte("pipeline:\n  name: gut\n"))
	require.NoError(t, err)
	conf.Pipeline.BaseDir = t.TempDir()
	conf.Pipeline.Modules = modules
	conf.Properties[classifyExeProp] = "classifier"
	conf.Properties[reportScriptProp] = writeFile(t, filepath.Join(t.TempDir(), "report.R"), "", 0664)
	return conf
}

func sequence(t *testing.T, conf *config.Config) []string {
	tasks, err := engine.NewResolver(registry(t)).Resolve(conf.Pipeline.Modules, conf)
	require.NoError(t, err)
	return engine.Sequence(tasks)
}

func TestResolveInsertsImplicitModules(t *testing.T) {
	conf := baseConfig(t, ImportMetadataID, ClassifyID, ReportID)
	assert.Equal(t, []string{"00_ImportMetadata", "01_Classify", "02_ClassifierParser", "03_Report"}, sequence(t, conf))

	conf.Input.Format = "FASTQ"
	assert.Equal(t, []string{"00_ImportMetadata", "01_FastaConverter", "02_Classify", "03_ClassifierParser", "04_Report"}, sequence(t, conf))

	conf.Pipeline.Modules = []string{ReportID}
	_, err := engine.NewResolver(registry(t)).Resolve(conf.Pipeline.Modules, conf)
	var resErr *engine.DependencyResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, ClassifierParserID, resErr.Module)
}

func TestClassifierParserOnlyAfterClassify(t *testing.T) {
	conf := baseConfig(t, ImportMetadataID, ClassifierParserID)
	_, err := engine.NewResolver(registry(t)).Resolve(conf.Pipeline.Modules, conf)
	var resErr *engine.DependencyResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, ClassifierParserID, resErr.Module)
	assert.Equal(t, ImportMetadataID, resErr.Predecessor)
}

func TestMissingPropertiesAreConfigErrors(t *testing.T) {
	conf := baseConfig(t, ImportMetadataID, ClassifyID)
	delete(conf.Properties, classifyExeProp)
	_, err := engine.NewResolver(registry(t)).Resolve(conf.Pipeline.Modules, conf)
	var confErr *config.Error
	require.True(t, errors.As(err, &confErr))
	assert.Equal(t, classifyExeProp, confErr.Property)

	conf = baseConfig(t, ReportID)
	conf.Properties[reportScriptProp] = "/nonexistent/report.R"
	_, err = registry(t).New(ReportID, conf)
	assert.True(t, engine.IsConfigError(err))
}

// importTask places an ImportMetadata task after a stand-in task whose output holds inputs.
func importTask(t *testing.T, conf *config.Config, inputs ...string) *engine.Task {
	prev := &engine.Task{Dir: t.TempDir()}
	for _, name := range inputs {
		writeFile(t, filepath.Join(prev.OutputDir(), name), "@r1\nACGT\n+\nIIII\n", 0664)
	}
	module, err := NewImportMetadata(conf)
	require.NoError(t, err)
	task := &engine.Task{
		Module: module,
		Name:   "00_ImportMetadata",
		Dir:    t.TempDir(),
		Config: conf,
		Log:    logrus.NewEntry(logrus.New()),
		Prev:   prev,
	}
	require.NoError(t, os.MkdirAll(task.OutputDir(), 0770))
	return task
}

func TestImportMetadataUseEveryRow(t *testing.T) {
	conf := baseConfig(t, ImportMetadataID)
	conf.Metadata.File = writeFile(t, filepath.Join(t.TempDir(), "meta.tsv"), "id\tsite\nsample1\tgut\nsample3\toral\n", 0664)
	conf.Metadata.UseEveryRow = true
	task := importTask(t, conf, "sample1.fastq", "sample2.fastq")

	err := task.Module.(engine.NativeModule).RunModule(context.Background(), task)
	var violation *config.ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "metadata.useEveryRow", violation.Property)
	assert.Contains(t, violation.Detail, "sample3")

	// without useEveryRow the row is only a warning
	conf.Metadata.UseEveryRow = false
	task = importTask(t, conf, "sample1.fastq", "sample2.fastq")
	require.NoError(t, task.Module.(engine.NativeModule).RunModule(context.Background(), task))
	files, err := ioutil.ReadDir(task.OutputDir())
	require.NoError(t, err)
	assert.Len(t, files, 3)
	meta, err := ioutil.ReadFile(filepath.Join(task.OutputDir(), metadataOutputName))
	require.NoError(t, err)
	assert.Equal(t, "id\tsite\nsample1\tgut\nsample3\toral\n", string(meta))
}

func TestImportMetadataRejectsDuplicateRows(t *testing.T) {
	conf := baseConfig(t, ImportMetadataID)
	conf.Metadata.File = writeFile(t, filepath.Join(t.TempDir(), "meta.tsv"), "id\tsite\nsample1\tgut\nsample1\toral\n", 0664)
	task := importTask(t, conf, "sample1.fastq")
	err := task.Module.(engine.NativeModule).RunModule(context.Background(), task)
	var violation *config.ViolationError
	assert.True(t, errors.As(err, &violation))
}

func TestFastaConverterScript(t *testing.T) {
	groups, err := (&FastaConverter{}).BuildScript(nil, []string{"/in/a.fastq", "/in/metadata.tsv"})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.True(t, strings.HasPrefix(groups[0][0], "awk "))
	assert.True(t, strings.HasSuffix(groups[0][0], `> "$BOSUN_OUTPUT_DIR"/'a.fasta'`))
	assert.Equal(t, `cp '/in/metadata.tsv' "$BOSUN_OUTPUT_DIR"/`, groups[1][0])
}

func TestClassifyOneGroupPerSample(t *testing.T) {
	conf := baseConfig(t, ClassifyID)
	conf.Properties["Classify.classify.params"] = "--db silva --min-conf 0.8"
	module, err := NewClassify(conf)
	require.NoError(t, err)

	groups, err := module.(engine.ScriptModule).BuildScript(nil, []string{"/x/s1.fasta", "/x/metadata.tsv", "/x/s2.fa"})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, `'classifier' '--db' 'silva' '--min-conf' '0.8' '/x/s1.fasta' > "$BOSUN_OUTPUT_DIR"/'s1_classified.tsv'`, groups[0][0])
}

func TestPipelineEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	if _, err := exec.LookPath("awk"); err != nil {
		t.Skip("awk not available")
	}
	input := t.TempDir()
	for _, sample := range []string{"sample1", "sample2"} {
		writeFile(t, filepath.Join(input, sample+".fastq"), "@"+sample+".r1\nACGT\n+\nIIII\n@"+sample+".r2\nGGCC\n+\nIIII\n", 0664)
	}
	tools := t.TempDir()

	conf := baseConfig(t, ImportMetadataID, ClassifyID, ReportID)
	conf.Input.Dirs = []string{input}
	conf.Input.Format = formatFastq
	conf.Metadata.File = writeFile(t, filepath.Join(tools, "meta.tsv"), "id\tsite\nsample1\tgut\nsample2\tgut\n", 0664)
	conf.Metadata.UseEveryRow = true
	conf.Script.NumWorkers = 2
	conf.Cluster.PollInterval = 20 * time.Millisecond
	conf.Properties[classifyExeProp] = writeFile(t, filepath.Join(tools, "classify.sh"), fakeClassifier, 0755)
	conf.Properties[reportExeProp] = "/bin/bash"
	conf.Properties[reportScriptProp] = writeFile(t, filepath.Join(tools, "report.sh"), "cp \"$1\" \"$2/report.txt\"\n", 0664)

	p, err := engine.New(registry(t), "/usr/local/bin/bosun").Run(context.Background(), conf)
	require.NoError(t, err)
	assert.Equal(t, []string{"00_ImportMetadata", "01_FastaConverter", "02_Classify", "03_ClassifierParser", "04_Report"}, p.Sequence())
	assert.Equal(t, engine.PipelineComplete, p.State.PipelineStatus())

	report, err := ioutil.ReadFile(filepath.Join(p.Root, "04_Report", "output", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "taxon\tsample1\tsample2\nBacteroides\t2\t2\n", string(report))
}
