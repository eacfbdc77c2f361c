package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/vm"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatMachine formats a single record as JSON.
func (f *JSONFormatter) FormatMachine(rec *v1alpha1.MachineRecord) (string, error) {
	setRecordDefaults(rec)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal machine to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatMachineList formats records as a Kubernetes-style list object:
//
//	{
//	  "apiVersion": "baker.jbweber.dev/v1alpha1",
//	  "kind": "MachineRecordList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatMachineList(recs []*v1alpha1.MachineRecord) (string, error) {
	for _, rec := range recs {
		setRecordDefaults(rec)
	}
	if recs == nil {
		recs = []*v1alpha1.MachineRecord{}
	}

	wrapper := map[string]interface{}{
		"apiVersion": v1alpha1.APIVersion(),
		"kind":       v1alpha1.MachineRecordKind + "List",
		"items":      recs,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(wrapper); err != nil {
		return "", fmt.Errorf("failed to marshal machine list to JSON: %w", err)
	}
	return buf.String(), nil
}

// FormatStatus formats status rows as a JSON array.
func (f *JSONFormatter) FormatStatus(rows []vm.RoleStatus) (string, error) {
	if len(rows) == 0 {
		return "[]\n", nil
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
