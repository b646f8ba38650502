package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// typed access to the free-form properties section
// a module-scoped key "<ModuleId>.<key>" overrides the plain key

func (conf *Config) lookup(module, key string) (string, bool) {
	if module != "" {
		if v, ok := conf.Properties[module+"."+key]; ok {
			return strings.TrimSpace(v), true
		}
	}
	v, ok := conf.Properties[key]
	return strings.TrimSpace(v), ok
}

// String returns the property value or "" if unset.
func (conf *Config) String(module, key string) string {
	v, _ := conf.lookup(module, key)
	return v
}

func (conf *Config) RequireString(module, key string) (string, error) {
	v, ok := conf.lookup(module, key)
	if !ok || v == "" {
		return "", &Error{Property: key, Reason: "is required"}
	}
	return v, nil
}

// Bool accepts Y/N as well as anything strconv.ParseBool understands. Unset is false.
func (conf *Config) Bool(module, key string) (bool, error) {
	v, ok := conf.lookup(module, key)
	if !ok || v == "" {
		return false, nil
	}
	switch strings.ToUpper(v) {
	case "Y", "YES":
		return true, nil
	case "N", "NO":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &Error{Property: key, Reason: fmt.Sprintf("must be a boolean, got %q", v)}
	}
	return b, nil
}

// Int returns def when the property is unset.
func (conf *Config) Int(module, key string, def int) (int, error) {
	v, ok := conf.lookup(module, key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &Error{Property: key, Reason: fmt.Sprintf("must be an integer, got %q", v)}
	}
	return i, nil
}

func (conf *Config) RequirePositiveInt(module, key string) (int, error) {
	v, err := conf.RequireString(module, key)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 1 {
		return 0, &Error{Property: key, Reason: fmt.Sprintf("must be a positive integer, got %q", v)}
	}
	return i, nil
}

// List splits a comma separated property, dropping empty items.
func (conf *Config) List(module, key string) []string {
	v, _ := conf.lookup(module, key)
	list := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func (conf *Config) RequireList(module, key string) ([]string, error) {
	list := conf.List(module, key)
	if len(list) == 0 {
		return nil, &Error{Property: key, Reason: "must list at least one value"}
	}
	return list, nil
}

func (conf *Config) RequireExistingFile(module, key string) (string, error) {
	path, err := conf.RequireString(module, key)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", &Error{Property: key, Reason: fmt.Sprintf("%s is not an existing file", path)}
	}
	return path, nil
}

func (conf *Config) RequireExistingDir(module, key string) (string, error) {
	path, err := conf.RequireString(module, key)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", &Error{Property: key, Reason: fmt.Sprintf("%s is not an existing directory", path)}
	}
	return path, nil
}

// PermissionMode parses pipeline.permissions as an octal file mode, e.g. "770".
func (conf *Config) PermissionMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(conf.Pipeline.Permissions, 8, 32)
	if err != nil || mode > 0777 {
		return 0, &Error{Property: "pipeline.permissions", Reason: fmt.Sprintf("must be an octal mode, got %q", conf.Pipeline.Permissions)}
	}
	return os.FileMode(mode), nil
}
