// Package gates runs the ordered, named check commands that vet a working
// tree: load the gate list from a YAML or JSON5 file, execute each through
// the shared exec host, and report a pass/fail summary.
package gates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"maestro/internal/fault"
)

// Gate is one named check command.
type Gate struct {
	Name           string `json:"name" yaml:"name"`
	Command        string `json:"command" yaml:"command"`
	Dir            string `json:"dir,omitempty" yaml:"dir"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

type gatesFile struct {
	Gates []Gate `json:"gates" yaml:"gates"`
}

// Defaults is the gate list used when no gates file is configured.
func Defaults() []Gate {
	return []Gate{
		{Name: "build", Command: "go build ./..."},
		{Name: "vet", Command: "go vet ./..."},
		{Name: "test", Command: "go test ./..."},
	}
}

// Load reads the gate list from path. The extension picks the format: .json
// and .json5 parse as JSON5, everything else as a single YAML document.
// Environment references in the file are expanded before parsing.
func Load(path string) ([]Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Config(fmt.Sprintf("read gates file %s", path), err)
	}
	expanded := os.ExpandEnv(string(data))

	var doc gatesFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal([]byte(expanded), &doc); err != nil {
			return nil, fault.Config("parse gates file", err)
		}
	default:
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fault.Config("parse gates file", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fault.Config("parse gates file: expected single document", nil)
		}
	}
	if err := validate(doc.Gates); err != nil {
		return nil, err
	}
	return doc.Gates, nil
}

func validate(gates []Gate) error {
	if len(gates) == 0 {
		return fault.Config("gates file defines no gates", nil)
	}
	seen := make(map[string]bool, len(gates))
	for i, gate := range gates {
		if strings.TrimSpace(gate.Name) == "" {
			return fault.Config(fmt.Sprintf("gate %d has no name", i), nil)
		}
		if strings.TrimSpace(gate.Command) == "" {
			return fault.Config(fmt.Sprintf("gate %q has no command", gate.Name), nil)
		}
		if seen[gate.Name] {
			return fault.Config(fmt.Sprintf("duplicate gate name %q", gate.Name), nil)
		}
		seen[gate.Name] = true
	}
	return nil
}
