package v1alpha1

// Machine is the rendered definition of one baker-managed box.
//
// A Machine is produced by rendering a role template into the role's working
// directory (machine.yaml) and is read back by the provider when the box is
// first defined. It is regenerated on every install pass.
type Machine struct {
	// TypeMeta contains the API version and kind.
	TypeMeta `json:",inline" yaml:",inline"`

	// ObjectMeta contains the machine name.
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Spec describes the hardware and first-boot provisioning of the box.
	Spec MachineSpec `json:"spec" yaml:"spec"`
}

// MachineSpec defines the desired shape of a Machine.
type MachineSpec struct {
	// VCPUs is the number of virtual CPUs to allocate.
	// +kubebuilder:validation:Minimum=1
	VCPUs int `json:"vcpus" yaml:"vcpus"`

	// MemoryMiB is the amount of memory in mebibytes.
	// +kubebuilder:validation:Minimum=256
	MemoryMiB int `json:"memoryMiB" yaml:"memoryMiB"`

	// StoragePool is the libvirt pool that receives the machine's volumes.
	// Defaults to "baker-vms".
	// +optional
	StoragePool string `json:"storagePool,omitempty" yaml:"storagePool,omitempty"`

	// BootDisk defines the primary boot disk.
	BootDisk BootDiskSpec `json:"bootDisk" yaml:"bootDisk"`

	// NetworkInterfaces defines the machine's NICs. At least one is required.
	NetworkInterfaces []NetworkInterfaceSpec `json:"networkInterfaces" yaml:"networkInterfaces"`

	// Provisioning configures first-boot user setup through cloud-init.
	Provisioning ProvisioningSpec `json:"provisioning" yaml:"provisioning"`
}

// BootDiskSpec defines the boot disk configuration.
type BootDiskSpec struct {
	// SizeGB is the size of the boot disk in gigabytes.
	SizeGB int `json:"sizeGB" yaml:"sizeGB"`

	// Image is the base image volume the boot disk is layered on.
	// Either a volume name in ImagePool or "pool:volume".
	Image string `json:"image" yaml:"image"`

	// ImagePool is the pool holding Image. Defaults to "baker-images".
	// +optional
	ImagePool string `json:"imagePool,omitempty" yaml:"imagePool,omitempty"`

	// Format is the boot disk format, "qcow2" (default) or "raw".
	// +optional
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// NetworkInterfaceSpec defines one NIC.
//
// An interface either joins a libvirt network and takes a DHCP lease
// (Network set), or attaches to a host bridge with a static address
// (Bridge and IP set).
type NetworkInterfaceSpec struct {
	// Network is the libvirt network name (e.g. "default").
	// +optional
	Network string `json:"network,omitempty" yaml:"network,omitempty"`

	// Bridge is the host bridge to attach to.
	// +optional
	Bridge string `json:"bridge,omitempty" yaml:"bridge,omitempty"`

	// IP is the static address in CIDR notation (e.g. "192.168.88.2/24").
	// Required with Bridge, optional with Network.
	// +optional
	IP string `json:"ip,omitempty" yaml:"ip,omitempty"`

	// Gateway is the default gateway for a static address.
	// +optional
	Gateway string `json:"gateway,omitempty" yaml:"gateway,omitempty"`

	// DNSServers is the list of resolvers for a static address.
	// +optional
	DNSServers []string `json:"dnsServers,omitempty" yaml:"dnsServers,omitempty"`
}

// ProvisioningSpec configures the first-boot user.
type ProvisioningSpec struct {
	// Hostname is set inside the guest. Defaults to the machine name.
	// +optional
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`

	// User is the login created for SSH access.
	User string `json:"user" yaml:"user"`

	// SSHAuthorizedKeys are installed for User.
	SSHAuthorizedKeys []string `json:"sshAuthorizedKeys,omitempty" yaml:"sshAuthorizedKeys,omitempty"`

	// Packages are installed on first boot.
	// +optional
	Packages []string `json:"packages,omitempty" yaml:"packages,omitempty"`

	// RunCmd are shell commands run once on first boot.
	// +optional
	RunCmd []string `json:"runcmd,omitempty" yaml:"runcmd,omitempty"`
}

// DeepCopy creates a deep copy of Machine.
func (in *Machine) DeepCopy() *Machine {
	if in == nil {
		return nil
	}
	out := new(Machine)
	out.TypeMeta = in.TypeMeta
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = in.Spec
	if in.Spec.NetworkInterfaces != nil {
		out.Spec.NetworkInterfaces = make([]NetworkInterfaceSpec, len(in.Spec.NetworkInterfaces))
		for i, iface := range in.Spec.NetworkInterfaces {
			iface.DNSServers = append([]string(nil), iface.DNSServers...)
			out.Spec.NetworkInterfaces[i] = iface
		}
	}
	p := in.Spec.Provisioning
	out.Spec.Provisioning.SSHAuthorizedKeys = append([]string(nil), p.SSHAuthorizedKeys...)
	out.Spec.Provisioning.Packages = append([]string(nil), p.Packages...)
	out.Spec.Provisioning.RunCmd = append([]string(nil), p.RunCmd...)
	return out
}
