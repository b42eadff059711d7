package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads a configuration mapping from a file.
type Loader interface {
	Load(path string) (map[string]any, error)
	Format() string
}

var (
	loadersMu sync.RWMutex
	loaders   = make(map[string]Loader)
)

// RegisterLoader registers a Loader for its format. The format doubles as
// the file extension it handles.
func RegisterLoader(l Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[l.Format()] = l
}

// GetLoader retrieves a loader by format name.
func GetLoader(format string) (Loader, bool) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	l, ok := loaders[format]
	return l, ok
}

func init() {
	RegisterLoader(YAMLLoader{})
	RegisterLoader(yamlAlias{})
	RegisterLoader(HCLLoader{})
}

// LoadFile picks a loader by the file's extension.
func LoadFile(path string) (map[string]any, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	l, ok := GetLoader(format)
	if !ok {
		return nil, fmt.Errorf("no configuration loader for %q files", format)
	}
	return l.Load(path)
}

// YAMLLoader reads a YAML mapping.
type YAMLLoader struct{}

func (YAMLLoader) Format() string { return "yaml" }

func (YAMLLoader) Load(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration file: %w", err)
	}
	defer f.Close()

	out := map[string]any{}
	if err := yaml.NewDecoder(f).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to parse configuration YAML: %w", err)
	}
	return out, nil
}

type yamlAlias struct{ YAMLLoader }

func (yamlAlias) Format() string { return "yml" }
