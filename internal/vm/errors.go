package vm

import (
	"fmt"
	"strings"

	"github.com/jbweber/baker/api/v1alpha1"
)

// ProviderQueryFailedError reports that a machine's state could not be
// determined. An absent machine never produces it.
type ProviderQueryFailedError struct {
	Name string
	Err  error
}

func (e *ProviderQueryFailedError) Error() string {
	return fmt.Sprintf("failed to query provider state of %s: %v", e.Name, e.Err)
}

func (e *ProviderQueryFailedError) Unwrap() error { return e.Err }

// MachineStartFailedError reports that the provider could not bring a role's
// machine to Running.
type MachineStartFailedError struct {
	Role v1alpha1.Role
	Err  error
}

func (e *MachineStartFailedError) Error() string {
	return fmt.Sprintf("failed to start %s machine: %v", e.Role, e.Err)
}

func (e *MachineStartFailedError) Unwrap() error { return e.Err }

// ControlPlaneNotInstalledError reports that a role another operation
// depends on has never been installed.
type ControlPlaneNotInstalledError struct {
	Role v1alpha1.Role
}

func (e *ControlPlaneNotInstalledError) Error() string {
	return fmt.Sprintf("%s machine is not installed, run `baker setup` to install it", e.Role)
}

// RemoteActionFailedError reports a remote command that ran and exited
// non-zero.
type RemoteActionFailedError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *RemoteActionFailedError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLine(out)
	}
	return msg
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
