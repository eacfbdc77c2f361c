package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/vm"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatMachine formats a single record as YAML.
func (f *YAMLFormatter) FormatMachine(rec *v1alpha1.MachineRecord) (string, error) {
	setRecordDefaults(rec)

	data, err := yaml.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal machine to YAML: %w", err)
	}
	return string(data), nil
}

// FormatMachineList formats records as a YAML stream, one document each.
func (f *YAMLFormatter) FormatMachineList(recs []*v1alpha1.MachineRecord) (string, error) {
	var buf bytes.Buffer
	for i, rec := range recs {
		out, err := f.FormatMachine(rec)
		if err != nil {
			return "", fmt.Errorf("machine %s: %w", rec.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.WriteString(out)
	}
	return buf.String(), nil
}

// FormatStatus formats status rows as a YAML sequence.
func (f *YAMLFormatter) FormatStatus(rows []vm.RoleStatus) (string, error) {
	if len(rows) == 0 {
		return "[]\n", nil
	}
	data, err := yaml.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to marshal status to YAML: %w", err)
	}
	return string(data), nil
}
