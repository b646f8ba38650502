package modules

import (
	"path/filepath"
	"strings"

	"github.com/uc-cdis/bosun/config"
	"github.com/uc-cdis/bosun/engine"
)

// this file registers the microbiome modules that ship with bosun

const (
	ImportMetadataID   = "ImportMetadata"
	FastaConverterID   = "FastaConverter"
	ClassifyID         = "Classify"
	ClassifierParserID = "ClassifierParser"
	ReportID           = "Report"

	formatFastq = "fastq"
)

var (
	fastqExtensions = []string{".fastq", ".fq"}
	fastaExtensions = []string{".fasta", ".fa", ".fna"}
)

// Register installs every module factory in reg.
func Register(reg *engine.Registry) error {
	factories := map[string]engine.Factory{
		ImportMetadataID:   NewImportMetadata,
		FastaConverterID:   NewFastaConverter,
		ClassifyID:         NewClassify,
		ClassifierParserID: NewClassifierParser,
		ReportID:           NewReport,
	}
	for _, id := range []string{ImportMetadataID, FastaConverterID, ClassifyID, ClassifierParserID, ReportID} {
		if err := reg.Register(id, factories[id]); err != nil {
			return err
		}
	}
	return nil
}

func isModule(m engine.Module, ids ...string) bool {
	if m == nil {
		return false
	}
	for _, id := range ids {
		if m.ID() == id {
			return true
		}
	}
	return false
}

// sampleID strips the directory and any known sequence extension,
// e.g. "/in/gut01.fastq" -> "gut01".
func sampleID(path string) string {
	name := filepath.Base(path)
	lower := strings.ToLower(name)
	for _, ext := range append(append([]string{}, fastqExtensions...), fastaExtensions...) {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func hasExtension(path string, exts []string) bool {
	lower := strings.ToLower(path)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func isFastq(conf *config.Config) bool {
	return strings.EqualFold(conf.Input.Format, formatFastq)
}
