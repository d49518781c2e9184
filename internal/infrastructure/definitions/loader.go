// Package definitions loads workflow definitions from YAML files.
package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/garyjia/stageflow/internal/domain/workflow"
)

// DefinitionFile pairs a parsed definition with its on-disk source
type DefinitionFile struct {
	Definition *workflow.WorkflowDefinition
	Path       string
}

// Parse decodes and validates a single YAML definition. Unknown keys are rejected.
func Parse(data []byte) (*workflow.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: definition payload is empty", workflow.ErrInvalidDefinition)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def workflow.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", workflow.ErrInvalidDefinition, err)
	}

	// one definition per file
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file holds more than one document", workflow.ErrInvalidDefinition)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses one YAML file
func LoadFile(path string) (DefinitionFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return DefinitionFile{}, fmt.Errorf("%s is a directory, expected a file", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("read %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return DefinitionFile{Definition: def, Path: filepath.Clean(path)}, nil
}

// LoadDir parses every *.yaml / *.yml file in dir, sorted by file name.
// A missing directory yields no definitions.
func LoadDir(dir string) ([]DefinitionFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", trimmed, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && isYAMLFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	files := make([]DefinitionFile, 0, len(names))
	for _, name := range names {
		file, err := LoadFile(filepath.Join(trimmed, name))
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

// LoadPaths loads each path as a file or directory and rejects a workflow
// type declared twice
func LoadPaths(paths []string) ([]DefinitionFile, error) {
	var files []DefinitionFile
	seen := make(map[string]string)

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}

		var loaded []DefinitionFile
		if info.IsDir() {
			loaded, err = LoadDir(p)
		} else {
			var file DefinitionFile
			file, err = LoadFile(p)
			loaded = []DefinitionFile{file}
		}
		if err != nil {
			return nil, err
		}

		for _, file := range loaded {
			if prev, ok := seen[file.Definition.Type]; ok {
				return nil, fmt.Errorf("%w: %s declared in %s and %s",
					workflow.ErrDuplicateWorkflowType, file.Definition.Type, prev, file.Path)
			}
			seen[file.Definition.Type] = file.Path
			files = append(files, file)
		}
	}
	return files, nil
}

// Marshal renders a definition as YAML
func Marshal(def *workflow.WorkflowDefinition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
