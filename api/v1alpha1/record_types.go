package v1alpha1

import (
	"fmt"
	"net"
	"strconv"
)

// Role identifies one of the infrastructure machines baker manages.
type Role string

const (
	// RoleControlNode is the configuration-management control VM.
	RoleControlNode Role = "ControlNode"

	// RoleDockerHost is the shared Docker host VM.
	RoleDockerHost Role = "DockerHost"

	// RoleMacHypervisor is the macOS hypervisor runtime that hosts the
	// control node on darwin.
	RoleMacHypervisor Role = "MacHypervisor"
)

// Roles returns every known role in provisioning order.
func Roles() []Role {
	return []Role{RoleMacHypervisor, RoleControlNode, RoleDockerHost}
}

// ParseRole converts a user-supplied string into a Role.
// Matching is case-sensitive against the canonical names.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles() {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// MachineState is the lifecycle state a provider reports for a machine.
//
// Only settled states are modeled. Absent is a normal answer, not an error.
type MachineState string

const (
	StateAbsent  MachineState = "Absent"
	StateStopped MachineState = "Stopped"
	StateRunning MachineState = "Running"
	StateUnknown MachineState = "Unknown"
)

// SSHConfig holds the connection parameters for a running machine.
//
// It is captured after the machine reaches Running and must be re-queried
// after any restart since the address may change.
type SSHConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	User           string `json:"user" yaml:"user"`
	PrivateKeyPath string `json:"privateKeyPath" yaml:"privateKeyPath"`
}

// Address returns host:port suitable for dialing.
func (c SSHConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// IsZero reports whether no connection information is present.
func (c SSHConfig) IsZero() bool {
	return c == SSHConfig{}
}

// MachineRecordKind is the kind string for registry records.
const MachineRecordKind = "MachineRecord"

// MachineRecord is the registry entry for a machine baker has installed.
//
// A record exists only after a successful first install. It is advisory:
// the provider remains the authority on whether the machine exists.
type MachineRecord struct {
	TypeMeta   `json:",inline" yaml:",inline"`
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// WorkDir is the directory holding the rendered definition and assets.
	WorkDir string `json:"workDir" yaml:"workDir"`

	// Role is the infrastructure role the machine fills.
	Role Role `json:"role" yaml:"role"`

	// SSH is the connection captured at install time.
	SSH SSHConfig `json:"ssh" yaml:"ssh"`
}
