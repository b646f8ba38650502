package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v2"
)

// this file contains type definitions for the pipeline config and the function for loading it
// the config is loaded once, validated, and then only ever read

const (
	BackendLocal     = "local"
	BackendCluster   = "cluster"
	BackendContainer = "container"
	BackendCloud     = "cloud"

	masterPrefix = "MASTER_"
)

var (
	configExtensions = []string{".yaml", ".yml", ".properties", ".config", ".txt"}

	defaultMaxModules      = 256
	defaultWorkers         = 1
	defaultThreads         = 1
	defaultShell           = "/bin/bash"
	defaultPollInterval    = 30 * time.Second
	defaultTimeout         = 48 * time.Hour
	defaultCloudCommand    = []string{"nextflow", "run"}
	defaultCloudExecutable = "bosun"
	defaultNamespace       = "default"
	defaultPullPolicy      = "if_not_present"
	defaultRestartPolicy   = "never"
	defaultServerPort      = uint(8000)
)

// Config is the immutable configuration for one pipeline.
// It is built once by Load and passed explicitly to the resolver, dispatcher and modules.
type Config struct {
	Pipeline   Pipeline          `yaml:"pipeline"`
	Input      Input             `yaml:"input"`
	Metadata   Metadata          `yaml:"metadata"`
	Script     Script            `yaml:"script"`
	Cluster    Cluster           `yaml:"cluster"`
	Container  Container         `yaml:"container"`
	Cloud      Cloud             `yaml:"cloud"`
	History    History           `yaml:"history"`
	Server     Server            `yaml:"server"`
	Properties map[string]string `yaml:"properties"`

	// Path is the file the config was loaded from
	Path string `yaml:"-"`
}

type Pipeline struct {
	Name            string   `yaml:"name"`
	BaseDir         string   `yaml:"baseDir"`
	Modules         []string `yaml:"modules"`
	Backend         string   `yaml:"backend"`
	CopyInput       bool     `yaml:"copyInput"`
	DeleteTempFiles bool     `yaml:"deleteTempFiles"`
	Permissions     string   `yaml:"permissions"`
	MaxModules      int      `yaml:"maxModules"`
	LogLevel        string   `yaml:"logLevel"`
}

type Input struct {
	Dirs   []string `yaml:"dirs"`
	Format string   `yaml:"format"`
	Ignore []string `yaml:"ignore"`
}

type Metadata struct {
	File        string `yaml:"file"`
	ColumnDelim string `yaml:"columnDelim"`
	UseEveryRow bool   `yaml:"useEveryRow"`
}

type Script struct {
	NumWorkers int      `yaml:"numWorkers"`
	NumThreads int      `yaml:"numThreads"`
	Shell      string   `yaml:"shell"`
	Preamble   []string `yaml:"preamble"`
}

type Cluster struct {
	BatchCommand      string        `yaml:"batchCommand"`
	Params            string        `yaml:"params"`
	StatusCommand     string        `yaml:"statusCommand"`
	Queue             string        `yaml:"queue"`
	Memory            string        `yaml:"memory"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	Timeout           time.Duration `yaml:"timeout"`
	RunNativeAsScript bool          `yaml:"runNativeAsScript"`
	Executable        string        `yaml:"executable"`
}

type Container struct {
	Namespace      string            `yaml:"namespace"`
	Image          string            `yaml:"image"`
	PullPolicy     string            `yaml:"pullPolicy"`
	RestartPolicy  string            `yaml:"restartPolicy"`
	ServiceAccount string            `yaml:"serviceAccount"`
	Labels         map[string]string `yaml:"labels"`
	HostRoot       string            `yaml:"hostRoot"`
	ContainerRoot  string            `yaml:"containerRoot"`
	OutputDir      string            `yaml:"outputDir"`
	VolumeClaim    string            `yaml:"volumeClaim"`
	CPU            int64             `yaml:"cpu"`
	Memory         int64             `yaml:"memory"`
	KubeConfig     string            `yaml:"kubeConfig"`
	PollInterval   time.Duration     `yaml:"pollInterval"`
	Timeout        time.Duration     `yaml:"timeout"`
}

type Cloud struct {
	Bucket       string        `yaml:"bucket"`
	Region       string        `yaml:"region"`
	Prefix       string        `yaml:"prefix"`
	Command      []string      `yaml:"command"`
	Executable   string        `yaml:"executable"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type History struct {
	Dao         string `yaml:"dao"`
	Credentials string `yaml:"credentials"`
}

type Server struct {
	Port uint   `yaml:"port"`
	Jwks string `yaml:"jwks"`
}

// Load reads the yaml config at path, applies defaults and validates it.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &Error{Property: "config", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}
	conf, err := Parse(b)
	if err != nil {
		return nil, err
	}
	conf.Path, _ = filepath.Abs(path)
	if conf.Pipeline.Name == "" {
		conf.Pipeline.Name = ProjectName(path)
	}
	if err = conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadSnapshot reads a config that Marshal wrote into a pipeline root.
// It was validated when the pipeline was created, and a remote host may not
// see the original base dir, so it is not validated again.
func LoadSnapshot(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &Error{Property: "config", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}
	conf, err := Parse(b)
	if err != nil {
		return nil, err
	}
	conf.Path, _ = filepath.Abs(path)
	return conf, nil
}

// Parse unmarshals raw yaml and fills in defaults. It does not validate.
func Parse(b []byte) (*Config, error) {
	conf := &Config{}
	if err := yaml.UnmarshalStrict(b, conf); err != nil {
		return nil, &Error{Property: "config", Reason: fmt.Sprintf("malformed yaml: %v", err)}
	}
	conf.setDefaults()
	return conf, nil
}

// ProjectName derives the pipeline name from a config file name,
// e.g. "/x/MASTER_gut.yaml" -> "gut".
func ProjectName(path string) string {
	name := filepath.Base(path)
	for _, ext := range configExtensions {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	return strings.TrimPrefix(name, masterPrefix)
}

func (conf *Config) setDefaults() {
	if conf.Pipeline.Backend == "" {
		conf.Pipeline.Backend = BackendLocal
	}
	if conf.Pipeline.MaxModules == 0 {
		conf.Pipeline.MaxModules = defaultMaxModules
	}
	if conf.Pipeline.LogLevel == "" {
		conf.Pipeline.LogLevel = "info"
	}
	if conf.Script.NumWorkers == 0 {
		conf.Script.NumWorkers = defaultWorkers
	}
	if conf.Script.NumThreads == 0 {
		conf.Script.NumThreads = defaultThreads
	}
	if conf.Script.Shell == "" {
		conf.Script.Shell = defaultShell
	}
	if conf.Metadata.ColumnDelim == "" {
		conf.Metadata.ColumnDelim = "\t"
	}
	setDurations(&conf.Cluster.PollInterval, &conf.Cluster.Timeout)
	setDurations(&conf.Container.PollInterval, &conf.Container.Timeout)
	setDurations(&conf.Cloud.PollInterval, &conf.Cloud.Timeout)
	if len(conf.Cloud.Command) == 0 {
		conf.Cloud.Command = append([]string{}, defaultCloudCommand...)
	}
	if conf.Cloud.Executable == "" {
		conf.Cloud.Executable = defaultCloudExecutable
	}
	if conf.Container.Namespace == "" {
		conf.Container.Namespace = defaultNamespace
	}
	if conf.Container.PullPolicy == "" {
		conf.Container.PullPolicy = defaultPullPolicy
	}
	if conf.Container.RestartPolicy == "" {
		conf.Container.RestartPolicy = defaultRestartPolicy
	}
	if conf.Server.Port == 0 {
		conf.Server.Port = defaultServerPort
	}
	if conf.Properties == nil {
		conf.Properties = make(map[string]string)
	}
}

func setDurations(poll, timeout *time.Duration) {
	if *poll == 0 {
		*poll = defaultPollInterval
	}
	if *timeout == 0 {
		*timeout = defaultTimeout
	}
}

// validateDurations rejects poll settings a ticker or deadline cannot use.
// Zero never reaches here: setDefaults replaces it.
func validateDurations(section string, poll, timeout time.Duration) error {
	if poll <= 0 {
		return &Error{Property: section + ".pollInterval", Reason: fmt.Sprintf("must be positive, got %v", poll)}
	}
	if timeout <= 0 {
		return &Error{Property: section + ".timeout", Reason: fmt.Sprintf("must be positive, got %v", timeout)}
	}
	return nil
}

// Validate checks the properties every pipeline needs before resolution.
func (conf *Config) Validate() error {
	if conf.Pipeline.Name == "" {
		return &Error{Property: "pipeline.name", Reason: "is required"}
	}
	if strings.ContainsAny(conf.Pipeline.Name, `/\ `) {
		return &Error{Property: "pipeline.name", Reason: "must not contain path separators or spaces"}
	}
	if conf.Pipeline.BaseDir == "" {
		return &Error{Property: "pipeline.baseDir", Reason: "is required"}
	}
	if info, err := os.Stat(conf.Pipeline.BaseDir); err != nil || !info.IsDir() {
		return &Error{Property: "pipeline.baseDir", Reason: fmt.Sprintf("%s is not an existing directory", conf.Pipeline.BaseDir)}
	}
	if len(conf.Pipeline.Modules) == 0 {
		return &Error{Property: "pipeline.modules", Reason: "must list at least one module"}
	}
	if conf.Pipeline.MaxModules < 1 {
		return &Error{Property: "pipeline.maxModules", Reason: "must be positive"}
	}
	if conf.Pipeline.Permissions != "" {
		if _, err := conf.PermissionMode(); err != nil {
			return err
		}
	}
	if conf.Script.NumWorkers < 1 {
		return &Error{Property: "script.numWorkers", Reason: "must be positive"}
	}
	if conf.Script.NumThreads < 1 {
		return &Error{Property: "script.numThreads", Reason: "must be positive"}
	}
	if err := validateDurations("cluster", conf.Cluster.PollInterval, conf.Cluster.Timeout); err != nil {
		return err
	}
	if err := validateDurations("container", conf.Container.PollInterval, conf.Container.Timeout); err != nil {
		return err
	}
	if err := validateDurations("cloud", conf.Cloud.PollInterval, conf.Cloud.Timeout); err != nil {
		return err
	}
	switch conf.Pipeline.Backend {
	case BackendLocal:
	case BackendCluster:
		if conf.Cluster.BatchCommand == "" {
			return &Error{Property: "cluster.batchCommand", Reason: "is required for the cluster backend"}
		}
	case BackendContainer:
		if conf.Container.Image == "" {
			return &Error{Property: "container.image", Reason: "is required for the container backend"}
		}
	case BackendCloud:
		if conf.Cloud.Bucket == "" {
			return &Error{Property: "cloud.bucket", Reason: "is required for the cloud backend"}
		}
		// remote tasks only see what is under the pipeline root
		if !conf.Pipeline.CopyInput {
			return &Error{Property: "pipeline.copyInput", Reason: "must be true for the cloud backend"}
		}
	default:
		return &Error{Property: "pipeline.backend", Reason: fmt.Sprintf("unknown backend %q", conf.Pipeline.Backend)}
	}
	return nil
}

// Snapshot returns a deep copy of conf, safe to hand to code that must not observe later edits.
func (conf *Config) Snapshot() (*Config, error) {
	snapshot := &Config{}
	if err := copier.CopyWithOption(snapshot, conf, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %v", err)
	}
	return snapshot, nil
}

// Marshal renders the config as yaml for the pipeline's master copy.
func (conf *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(conf)
}
