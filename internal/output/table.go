package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/vm"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatMachine formats a single record as a table row.
func (f *TableFormatter) FormatMachine(rec *v1alpha1.MachineRecord) (string, error) {
	return f.FormatMachineList([]*v1alpha1.MachineRecord{rec})
}

// FormatMachineList formats records as a table.
func (f *TableFormatter) FormatMachineList(recs []*v1alpha1.MachineRecord) (string, error) {
	if len(recs) == 0 {
		return "No machines found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tROLE\tSSH\tWORKDIR\tAGE")
	}

	for _, rec := range recs {
		addr := "-"
		if !rec.SSH.IsZero() {
			addr = rec.SSH.User + "@" + rec.SSH.Address()
		}
		age := "-"
		if !rec.CreationTimestamp.IsZero() {
			age = formatAge(time.Since(rec.CreationTimestamp.Time))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.Name, rec.Role, addr, rec.WorkDir, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatStatus formats status rows as a table.
func (f *TableFormatter) FormatStatus(rows []vm.RoleStatus) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ROLE\tNAME\tSTATE\tRECORDED\tMESSAGE")
	}
	for _, r := range rows {
		msg := r.Error
		if msg == "" {
			msg = "-"
		}
		recorded := "no"
		if r.Recorded {
			recorded = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Role, r.Name, r.State, recorded, msg)
	}
	_ = w.Flush()
	return buf.String(), nil
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	// under ~2 months
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}
	return fmt.Sprintf("%dd", days)
}
