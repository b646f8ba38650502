package modules

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/engine"
)

const metadataOutputName = "metadata.tsv"

// ImportMetadata is always the first module. It links the input files into its
// output dir and copies the metadata table, checking that the two agree.
type ImportMetadata struct {
	engine.BaseModule
	file        string
	delim       rune
	useEveryRow bool
}

func NewImportMetadata(conf *config.Config) (engine.Module, error) {
	delim := []rune(conf.Metadata.ColumnDelim)
	if len(delim) != 1 {
		return nil, &config.Error{Property: "metadata.columnDelim", Reason: "must be a single character"}
	}
	return &ImportMetadata{
		BaseModule:  engine.BaseModule{Name: ImportMetadataID},
		file:        conf.Metadata.File,
		delim:       delim[0],
		useEveryRow: conf.Metadata.UseEveryRow,
	}, nil
}

func (m *ImportMetadata) IsValidInputModule(prev engine.Module) bool {
	return prev == nil
}

func (m *ImportMetadata) CheckDependencies(task *engine.Task) error {
	if m.file == "" {
		if m.useEveryRow {
			return &config.Error{Property: "metadata.file", Reason: "is required when metadata.useEveryRow is set"}
		}
		return nil
	}
	if info, err := os.Stat(m.file); err != nil || info.IsDir() {
		return &config.Error{Property: "metadata.file", Reason: fmt.Sprintf("%s is not an existing file", m.file)}
	}
	return nil
}

func (m *ImportMetadata) RunModule(ctx context.Context, task *engine.Task) error {
	inputs, err := task.InputFiles()
	if err != nil {
		return err
	}
	samples := map[string]string{}
	for _, in := range inputs {
		// the table may sit in, or have been copied with, the input dir
		if m.file != "" && filepath.Base(in) == filepath.Base(m.file) {
			continue
		}
		samples[sampleID(in)] = in
	}
	if len(samples) == 0 {
		return fmt.Errorf("no input files found")
	}

	if m.file != "" {
		rows, err := m.readTable()
		if err != nil {
			return err
		}
		missing := []string{}
		for _, row := range rows[1:] {
			if _, ok := samples[row[0]]; !ok {
				missing = append(missing, row[0])
			}
		}
		if m.useEveryRow && len(missing) > 0 {
			return &config.ViolationError{
				Property: "metadata.useEveryRow",
				Detail:   fmt.Sprintf("no input file for metadata rows %s", strings.Join(missing, ", ")),
			}
		}
		for _, id := range missing {
			task.Log.Warnf("metadata row %s has no input file", id)
		}
		if err = m.writeTable(filepath.Join(task.OutputDir(), metadataOutputName), rows); err != nil {
			return err
		}
	}

	for id, in := range samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		// relative, so a copied input dir stays linked when the root moves
		target, err := filepath.Rel(task.OutputDir(), in)
		if err != nil {
			if target, err = filepath.Abs(in); err != nil {
				return err
			}
		}
		link := filepath.Join(task.OutputDir(), filepath.Base(in))
		if err = os.Symlink(target, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to link input for sample %s: %v", id, err)
		}
	}
	task.Log.Infof("imported %d samples", len(samples))
	return nil
}

// readTable returns the header row followed by one row per sample.
func (m *ImportMetadata) readTable() ([][]string, error) {
	f, err := os.Open(m.file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = m.delim
	r.Comment = '#'
	r.LazyQuotes = true
	rows := [][]string{}
	ids := map[string]bool{}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata %s: %v", m.file, err)
		}
		row[0] = strings.TrimSpace(row[0])
		if len(rows) > 0 {
			if ids[row[0]] {
				return nil, &config.ViolationError{Property: "metadata.file", Detail: fmt.Sprintf("sample %s appears twice", row[0])}
			}
			ids[row[0]] = true
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, &config.ViolationError{Property: "metadata.file", Detail: fmt.Sprintf("%s has no header row", m.file)}
	}
	return rows, nil
}

func (m *ImportMetadata) writeTable(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err = w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
