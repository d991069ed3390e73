// Package definition loads lifecycle graph definitions from YAML, validates
// them, and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/hireflow/model"
)

// Loader scans directories for YAML lifecycle files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Lifecycle.
func (l *Loader) LoadAll(directories []string) ([]model.Lifecycle, error) {
	var defs []model.Lifecycle

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML lifecycle file.
func (l *Loader) LoadFile(path string) (model.Lifecycle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Lifecycle{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.Lifecycle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.Lifecycle{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = path

	return def, nil
}

// Merge overlays loaded lifecycles onto base, replacing any entry with the
// same entity type.
func Merge(base, overrides []model.Lifecycle) []model.Lifecycle {
	out := make([]model.Lifecycle, 0, len(base)+len(overrides))
	replaced := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		replaced[o.EntityType] = true
	}
	for _, b := range base {
		if !replaced[b.EntityType] {
			out = append(out, b)
		}
	}
	return append(out, overrides...)
}
