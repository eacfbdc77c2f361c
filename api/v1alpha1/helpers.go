package v1alpha1

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// GroupName is the API group for baker resources.
	GroupName = "baker.jbweber.dev"

	// Version is the API version.
	Version = "v1alpha1"

	// MachineKind is the kind string for Machine definitions.
	MachineKind = "Machine"

	// DefaultStoragePool receives machine volumes when none is set.
	DefaultStoragePool = "baker-vms"

	// DefaultImagePool holds base images when none is set.
	DefaultImagePool = "baker-images"
)

// APIVersion returns the group/version string.
func APIVersion() string {
	return GroupName + "/" + Version
}

// NewMachine creates a Machine with TypeMeta and ObjectMeta populated.
func NewMachine(name string) *Machine {
	return &Machine{
		TypeMeta: TypeMeta{
			APIVersion: APIVersion(),
			Kind:       MachineKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              name,
			UID:               uuid.New().String(),
			CreationTimestamp: Now(),
		},
		Spec: MachineSpec{
			StoragePool: DefaultStoragePool,
			BootDisk: BootDiskSpec{
				ImagePool: DefaultImagePool,
				Format:    "qcow2",
			},
		},
	}
}

// NewMachineRecord creates the registry entry for an installed machine.
func NewMachineRecord(name, workDir string, role Role, ssh SSHConfig) *MachineRecord {
	return &MachineRecord{
		TypeMeta: TypeMeta{
			APIVersion: APIVersion(),
			Kind:       MachineRecordKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              name,
			UID:               uuid.New().String(),
			CreationTimestamp: Now(),
		},
		WorkDir: workDir,
		Role:    role,
		SSH:     ssh,
	}
}

// SetDefaultAPIVersion fills apiVersion and kind when a loaded file omits them.
func SetDefaultAPIVersion(m *Machine) {
	if m.APIVersion == "" {
		m.APIVersion = APIVersion()
	}
	if m.Kind == "" {
		m.Kind = MachineKind
	}
}

// GetStoragePool returns the storage pool with default fallback.
func (m *Machine) GetStoragePool() string {
	if m.Spec.StoragePool == "" {
		return DefaultStoragePool
	}
	return m.Spec.StoragePool
}

// GetBootDiskFormat returns the boot disk format with default fallback.
func (m *Machine) GetBootDiskFormat() string {
	if m.Spec.BootDisk.Format == "" {
		return "qcow2"
	}
	return m.Spec.BootDisk.Format
}

// GetBootDiskImagePool returns the base image pool with default fallback.
func (m *Machine) GetBootDiskImagePool() string {
	if m.Spec.BootDisk.ImagePool == "" {
		return DefaultImagePool
	}
	return m.Spec.BootDisk.ImagePool
}

// GetHostname returns the guest hostname, defaulting to the machine name.
func (m *Machine) GetHostname() string {
	if m.Spec.Provisioning.Hostname == "" {
		return m.Name
	}
	return m.Spec.Provisioning.Hostname
}

// GetBootVolumeName returns the volume name for the boot disk.
// Format: <name>_boot.<format>
func (m *Machine) GetBootVolumeName() string {
	return fmt.Sprintf("%s_boot.%s", m.Name, m.GetBootDiskFormat())
}

// GetCloudInitVolumeName returns the volume name for the cloud-init ISO.
// Format: <name>_cloudinit.iso
func (m *Machine) GetCloudInitVolumeName() string {
	return fmt.Sprintf("%s_cloudinit.iso", m.Name)
}

// StaticIP returns the first statically addressed interface's CIDR, or ""
// when every interface relies on DHCP.
func (m *Machine) StaticIP() string {
	for _, iface := range m.Spec.NetworkInterfaces {
		if iface.IP != "" {
			return iface.IP
		}
	}
	return ""
}

// Normalize sanitizes user input to consistent formats.
// Called before validation.
func (m *Machine) Normalize() {
	m.Name = strings.ToLower(strings.TrimSpace(m.Name))
	m.Spec.Provisioning.Hostname = strings.ToLower(strings.TrimSpace(m.Spec.Provisioning.Hostname))

	if m.Spec.StoragePool == "" {
		m.Spec.StoragePool = DefaultStoragePool
	}
	if m.Spec.BootDisk.ImagePool == "" {
		m.Spec.BootDisk.ImagePool = DefaultImagePool
	}
	if m.Spec.BootDisk.Format == "" {
		m.Spec.BootDisk.Format = "qcow2"
	}
}
