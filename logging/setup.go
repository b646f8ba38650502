package logging

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// BufferHook keeps every formatted record in memory so a failure that happens
// before the pipeline log exists can still be written out in full.
type BufferHook struct {
	mu        sync.Mutex
	formatter logrus.Formatter
	lines     []string
}

func NewBufferHook() *BufferHook {
	return &BufferHook{formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}}
}

func (hook *BufferHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *BufferHook) Fire(entry *logrus.Entry) error {
	b, err := hook.formatter.Format(entry)
	if err != nil {
		return err
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.lines) >= bufferCapacity {
		hook.lines = hook.lines[1:]
	}
	hook.lines = append(hook.lines, strings.TrimRight(string(b), "\n"))
	return nil
}

func (hook *BufferHook) Lines() []string {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	return append([]string{}, hook.lines...)
}

// Setup configures the standard logrus logger and installs the buffer hook.
func Setup(level string) (*BufferHook, error) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %v", level, err)
	}
	logrus.SetLevel(lvl)
	hook := NewBufferHook()
	logrus.AddHook(hook)
	return hook, nil
}

// AttachFile tees the standard logger into path, appending on restart.
// Closing the returned attachment sends output back to stderr only.
func AttachFile(path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %v", path, err)
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return &attachment{file: f}, nil
}

type attachment struct {
	file *os.File
}

func (a *attachment) Close() error {
	logrus.SetOutput(os.Stderr)
	return a.file.Close()
}

// WriteFatalErrorFile writes the buffered log plus help text to
// <dir>/<prefix>bosun_FATAL_ERROR_<suffix>.log, adding _1, _2 ... if that name is taken.
func WriteFatalErrorFile(dir, prefix, suffix string, lines []string, help string) (string, error) {
	path := filepath.Join(dir, prefix+fatalErrorPrefix+suffix+logExt)
	for index := 1; fileExists(path); index++ {
		path = filepath.Join(dir, fmt.Sprintf("%s%s%s_%d%s", prefix, fatalErrorPrefix, suffix, index, logExt))
	}
	body := strings.Join(lines, "\n")
	if body != "" {
		body += "\n"
	}
	body += help
	if err := ioutil.WriteFile(path, []byte(body), 0644); err != nil {
		return "", fmt.Errorf("failed to write fatal error file %s: %v", path, err)
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
