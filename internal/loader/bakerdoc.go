package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/baker/internal/naming"
)

// BakerDoc is the subset of a workload's baker.yml the control plane needs.
// Everything else in the file is passed through untouched to the control node.
type BakerDoc struct {
	// Name identifies the workload. It keys the workload's control directory
	// on the control node (~/<namespace>/<name>/).
	Name string `yaml:"name"`

	// VM carries the workload VM's network settings, when it has one.
	VM *BakerVM `yaml:"vm,omitempty"`
}

// BakerVM is the vm section of baker.yml.
type BakerVM struct {
	IP     string `yaml:"ip,omitempty"`
	Memory int    `yaml:"memory,omitempty"`
	CPUs   int    `yaml:"cpus,omitempty"`
}

// LoadBakerDoc reads <dir>/baker.yml.
func LoadBakerDoc(dir string) (*BakerDoc, error) {
	path := filepath.Join(dir, BakerFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	var doc BakerDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	if err := naming.ValidateName(doc.Name); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &doc, nil
}
