// Package loader reads the YAML documents baker consumes: rendered Machine
// definitions (machine.yaml in a role's working directory) and the baker.yml
// a workload project carries.
package loader

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/naming"
)

// MachineFile is the file name of a rendered definition inside a working
// directory.
const MachineFile = "machine.yaml"

// BakerFile is the workload descriptor file name.
const BakerFile = "baker.yml"

// LoadMachineFile loads a Machine from a YAML file.
func LoadMachineFile(path string) (*v1alpha1.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadMachineYAML(data)
}

// LoadMachineDir loads <dir>/machine.yaml.
func LoadMachineDir(dir string) (*v1alpha1.Machine, error) {
	return LoadMachineFile(filepath.Join(dir, MachineFile))
}

// LoadMachineYAML loads a Machine from YAML bytes.
// The YAML must be in the baker.jbweber.dev/v1alpha1 format.
func LoadMachineYAML(data []byte) (*v1alpha1.Machine, error) {
	var m v1alpha1.Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if m.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("missing required field: kind")
	}
	if m.APIVersion != v1alpha1.APIVersion() {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", m.APIVersion, v1alpha1.APIVersion())
	}
	if m.Kind != v1alpha1.MachineKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", m.Kind, v1alpha1.MachineKind)
	}

	m.Normalize()

	if err := validateSpec(&m); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &m, nil
}

// SaveMachineFile writes a Machine as YAML, overwriting any existing file.
func SaveMachineFile(m *v1alpha1.Machine, path string) error {
	v1alpha1.SetDefaultAPIVersion(m)

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal machine to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

// validateSpec validates the Machine spec for required fields and consistency.
func validateSpec(m *v1alpha1.Machine) error {
	if err := naming.ValidateName(m.Name); err != nil {
		return fmt.Errorf("metadata.name: %w", err)
	}

	if m.Spec.VCPUs <= 0 {
		return fmt.Errorf("spec.vcpus must be greater than 0")
	}
	if m.Spec.MemoryMiB < 256 {
		return fmt.Errorf("spec.memoryMiB must be at least 256")
	}

	if m.Spec.BootDisk.SizeGB <= 0 {
		return fmt.Errorf("spec.bootDisk.sizeGB must be greater than 0")
	}
	if _, _, err := naming.ParseImageReference(m.Spec.BootDisk.Image, m.GetBootDiskImagePool()); err != nil {
		return fmt.Errorf("spec.bootDisk.image: %w", err)
	}
	if f := m.Spec.BootDisk.Format; f != "qcow2" && f != "raw" {
		return fmt.Errorf("spec.bootDisk.format must be qcow2 or raw, got %q", f)
	}

	if len(m.Spec.NetworkInterfaces) == 0 {
		return fmt.Errorf("spec.networkInterfaces must have at least one interface")
	}
	ipsSeen := make(map[string]bool)
	for i, iface := range m.Spec.NetworkInterfaces {
		if err := validateInterface(iface); err != nil {
			return fmt.Errorf("spec.networkInterfaces[%d]: %w", i, err)
		}
		if iface.IP == "" {
			continue
		}
		if ipsSeen[iface.IP] {
			return fmt.Errorf("spec.networkInterfaces[%d].ip %q is duplicated", i, iface.IP)
		}
		ipsSeen[iface.IP] = true
	}

	if m.Spec.Provisioning.User == "" {
		return fmt.Errorf("spec.provisioning.user is required")
	}
	for i, key := range m.Spec.Provisioning.SSHAuthorizedKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("spec.provisioning.sshAuthorizedKeys[%d] is not a valid SSH public key: %w", i, err)
		}
	}

	return nil
}

func validateInterface(iface v1alpha1.NetworkInterfaceSpec) error {
	switch {
	case iface.Network == "" && iface.Bridge == "":
		return fmt.Errorf("one of network or bridge is required")
	case iface.Network != "" && iface.Bridge != "":
		return fmt.Errorf("network and bridge are mutually exclusive")
	case iface.Bridge != "" && iface.IP == "":
		return fmt.Errorf("ip is required with bridge")
	}

	if iface.IP != "" {
		if _, _, err := net.ParseCIDR(iface.IP); err != nil {
			return fmt.Errorf("invalid ip/cidr format %q: %w", iface.IP, err)
		}
		if iface.Gateway == "" {
			return fmt.Errorf("gateway is required with a static ip")
		}
	}
	if iface.Gateway != "" && net.ParseIP(iface.Gateway) == nil {
		return fmt.Errorf("invalid gateway IP address %q", iface.Gateway)
	}
	for i, dns := range iface.DNSServers {
		if net.ParseIP(dns) == nil {
			return fmt.Errorf("dnsServers[%d] is not a valid IP address: %q", i, dns)
		}
	}
	return nil
}
