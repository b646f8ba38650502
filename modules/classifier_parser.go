package modules

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/engine"
)

// CountTableName is the taxa count table ClassifierParser writes.
const CountTableName = "taxa_counts.tsv"

// ClassifierParser merges the per-sample classifier output into one
// taxon by sample count table.
type ClassifierParser struct {
	engine.BaseModule
}

func NewClassifierParser(conf *config.Config) (engine.Module, error) {
	return &ClassifierParser{BaseModule: engine.BaseModule{Name: ClassifierParserID}}, nil
}

func (m *ClassifierParser) IsValidInputModule(prev engine.Module) bool {
	return isModule(prev, ClassifyID)
}

func (m *ClassifierParser) RunModule(ctx context.Context, task *engine.Task) error {
	inputs, err := task.InputFiles()
	if err != nil {
		return err
	}
	counts := map[string]map[string]int{}
	samples := []string{}
	for _, in := range inputs {
		if !strings.HasSuffix(in, ClassifiedSuffix) {
			continue
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		sample := strings.TrimSuffix(filepath.Base(in), ClassifiedSuffix)
		samples = append(samples, sample)
		if err = countTaxa(in, sample, counts); err != nil {
			return err
		}
	}
	if len(samples) == 0 {
		return fmt.Errorf("no %s files in %s", ClassifiedSuffix, inputDir(task))
	}
	sort.Strings(samples)
	if err = writeCounts(filepath.Join(task.OutputDir(), CountTableName), samples, counts); err != nil {
		return err
	}
	task.Log.Infof("counted %d taxa across %d samples", len(counts), len(samples))
	return nil
}

func (m *ClassifierParser) Summary(task *engine.Task) (string, error) {
	f, err := os.Open(filepath.Join(task.OutputDir(), CountTableName))
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines > 0 {
		lines--
	}
	return fmt.Sprintf("%s: %d taxa", CountTableName, lines), scanner.Err()
}

// countTaxa adds the "<read id>\t<taxon>" lines of file to counts[taxon][sample].
func countTaxa(file, sample string, counts map[string]map[string]int) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 || fields[1] == "" {
			return fmt.Errorf("%s:%d: expected <read id>\\t<taxon>", filepath.Base(file), line)
		}
		taxon := fields[1]
		if counts[taxon] == nil {
			counts[taxon] = map[string]int{}
		}
		counts[taxon][sample]++
	}
	return scanner.Err()
}

func writeCounts(path string, samples []string, counts map[string]map[string]int) error {
	taxa := make([]string, 0, len(counts))
	for taxon := range counts {
		taxa = append(taxa, taxon)
	}
	sort.Strings(taxa)

	var sb strings.Builder
	sb.WriteString("taxon\t" + strings.Join(samples, "\t") + "\n")
	for _, taxon := range taxa {
		row := []string{taxon}
		for _, sample := range samples {
			row = append(row, strconv.Itoa(counts[taxon][sample]))
		}
		sb.WriteString(strings.Join(row, "\t") + "\n")
	}
	return ioutil.WriteFile(path, []byte(sb.String()), 0664)
}
