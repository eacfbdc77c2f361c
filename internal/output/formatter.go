// Package output provides formatters for displaying baker's machine index
// and role status in various formats (table, YAML, JSON).
package output

import (
	"fmt"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/vm"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats baker resources for output.
type Formatter interface {
	// FormatMachine formats a single registry record.
	FormatMachine(rec *v1alpha1.MachineRecord) (string, error)

	// FormatMachineList formats registry records.
	FormatMachineList(recs []*v1alpha1.MachineRecord) (string, error)

	// FormatStatus formats role status rows.
	FormatStatus(rows []vm.RoleStatus) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

// setRecordDefaults fills apiVersion and kind on records decoded from an
// older index.
func setRecordDefaults(rec *v1alpha1.MachineRecord) {
	if rec.APIVersion == "" {
		rec.APIVersion = v1alpha1.APIVersion()
	}
	if rec.Kind == "" {
		rec.Kind = v1alpha1.MachineRecordKind
	}
}
