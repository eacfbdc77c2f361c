package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/naming"
)

func uintPtr(v uint) *uint { return &v }

// GenerateDomainXML generates libvirt domain XML for a machine definition.
//
// The boot disk and cloud-init seed are referenced as volumes in the
// machine's storage pool; both must exist before the domain is started.
func GenerateDomainXML(m *v1alpha1.Machine) (string, error) {
	if m == nil {
		return "", fmt.Errorf("machine cannot be nil")
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: m.Name,
		UUID: m.UID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(m.Spec.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(m.Spec.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
			Model: &libvirtxml.DomainCPUModel{
				Fallback: "allow",
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	pool := m.GetStoragePool()
	domain.Devices.Disks = []libvirtxml.DomainDisk{
		{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name:  "qemu",
				Type:  m.GetBootDiskFormat(),
				Cache: "none",
			},
			Source: &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{
					Pool:   pool,
					Volume: m.GetBootVolumeName(),
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "vda",
				Bus: "virtio",
			},
			Boot: &libvirtxml.DomainDeviceBoot{
				Order: 1,
			},
		},
		{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{
					Pool:   pool,
					Volume: m.GetCloudInitVolumeName(),
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sda",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		},
	}

	for i, iface := range m.Spec.NetworkInterfaces {
		netIface, err := domainInterface(m.Name, i, iface)
		if err != nil {
			return "", err
		}
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, netIface)
	}

	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: uintPtr(0),
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: uintPtr(0),
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

// domainInterface builds one NIC. Bridged interfaces with a static address
// get a tap name derived from the IP so they are easy to find on the host.
func domainInterface(machineName string, index int, iface v1alpha1.NetworkInterfaceSpec) (libvirtxml.DomainInterface, error) {
	mac, err := naming.InterfaceMAC(machineName, index, iface.IP)
	if err != nil {
		return libvirtxml.DomainInterface{}, fmt.Errorf("failed to calculate MAC address for %s: %w", iface.IP, err)
	}

	out := libvirtxml.DomainInterface{
		MAC: &libvirtxml.DomainInterfaceMAC{
			Address: mac,
		},
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
	}

	switch {
	case iface.Bridge != "":
		out.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{
				Bridge: iface.Bridge,
			},
		}
		if iface.IP != "" {
			dev, err := naming.InterfaceNameFromIP(iface.IP)
			if err != nil {
				return libvirtxml.DomainInterface{}, fmt.Errorf("failed to calculate interface name for %s: %w", iface.IP, err)
			}
			out.Target = &libvirtxml.DomainInterfaceTarget{Dev: dev}
		}
	case iface.Network != "":
		out.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{
				Network: iface.Network,
			},
		}
	default:
		return libvirtxml.DomainInterface{}, fmt.Errorf("interface %d: network or bridge is required", index)
	}
	return out, nil
}
