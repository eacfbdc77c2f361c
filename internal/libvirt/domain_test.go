package libvirt

import (
	"strings"
	"testing"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/naming"
)

func newTestMachine(name string) *v1alpha1.Machine {
	m := v1alpha1.NewMachine(name)
	m.Spec.VCPUs = 2
	m.Spec.MemoryMiB = 2048
	m.Spec.BootDisk.SizeGB = 20
	m.Spec.BootDisk.Image = "ubuntu-24.04.qcow2"
	m.Spec.NetworkInterfaces = []v1alpha1.NetworkInterfaceSpec{{Network: "default"}}
	m.Spec.Provisioning.User = "baker"
	return m
}

func TestGenerateDomainXML_XMLFormat(t *testing.T) {
	xml, err := GenerateDomainXML(newTestMachine("baker"))
	if err != nil {
		t.Fatalf("GenerateDomainXML() error = %v", err)
	}

	requiredElements := []string{
		`<domain type="kvm"`,
		`<name>baker</name>`,
		`<memory unit="MiB">2048</memory>`,
		`<vcpu placement="static">2</vcpu>`,
		`<type arch="x86_64"`,
		`<bios useserial="yes"`,
		`<cpu mode="host-model"`,
		`<clock offset="utc"`,
		`<on_poweroff>destroy</on_poweroff>`,
		`<on_reboot>restart</on_reboot>`,
		`<on_crash>restart</on_crash>`,
		`<source pool="baker-vms" volume="baker_boot.qcow2"`,
		`<source pool="baker-vms" volume="baker_cloudinit.iso"`,
		`type="qcow2"`,
		`cache="none"`,
		`dev="vda"`,
		`<boot order="1"`,
		`<interface type="network"`,
		`<source network="default"`,
		`<model type="virtio"`,
		`<serial type="pty"`,
		`<console type="pty"`,
		`<memballoon model="virtio"`,
		`<rng model="virtio"`,
	}
	for _, elem := range requiredElements {
		if !strings.Contains(xml, elem) {
			t.Errorf("Generated XML missing element: %s\n\nGenerated XML:\n%s", elem, xml)
		}
	}
}

func TestGenerateDomainXML(t *testing.T) {
	tests := []struct {
		name       string
		machine    func() *v1alpha1.Machine
		wantErr    bool
		wantIfaces int
		check      func(t *testing.T, d *libvirtxml.Domain)
	}{
		{
			name:       "dhcp on libvirt network",
			machine:    func() *v1alpha1.Machine { return newTestMachine("baker") },
			wantIfaces: 1,
			check: func(t *testing.T, d *libvirtxml.Domain) {
				iface := d.Devices.Interfaces[0]
				if want := naming.MACFromName("baker", 0); iface.MAC.Address != want {
					t.Errorf("MAC = %s, want %s", iface.MAC.Address, want)
				}
				if iface.Target != nil {
					t.Errorf("network interface should not pin a tap name, got %+v", iface.Target)
				}
			},
		},
		{
			name: "static address on bridge",
			machine: func() *v1alpha1.Machine {
				m := newTestMachine("docker-srv")
				m.Spec.NetworkInterfaces = []v1alpha1.NetworkInterfaceSpec{{
					Bridge: "br0", IP: "10.55.22.22/24", Gateway: "10.55.22.1",
				}}
				return m
			},
			wantIfaces: 1,
			check: func(t *testing.T, d *libvirtxml.Domain) {
				iface := d.Devices.Interfaces[0]
				if iface.MAC.Address != "be:ef:0a:37:16:16" {
					t.Errorf("MAC = %s", iface.MAC.Address)
				}
				if iface.Source.Bridge == nil || iface.Source.Bridge.Bridge != "br0" {
					t.Errorf("bridge source = %+v", iface.Source)
				}
				if iface.Target == nil || iface.Target.Dev != "vm0a371616" {
					t.Errorf("tap target = %+v", iface.Target)
				}
			},
		},
		{
			name: "raw boot disk in custom pool",
			machine: func() *v1alpha1.Machine {
				m := newTestMachine("baker")
				m.Spec.StoragePool = "fast"
				m.Spec.BootDisk.Format = "raw"
				return m
			},
			wantIfaces: 1,
			check: func(t *testing.T, d *libvirtxml.Domain) {
				boot := d.Devices.Disks[0]
				if boot.Driver.Type != "raw" {
					t.Errorf("boot driver type = %s", boot.Driver.Type)
				}
				if boot.Source.Volume.Pool != "fast" || boot.Source.Volume.Volume != "baker_boot.raw" {
					t.Errorf("boot volume = %+v", boot.Source.Volume)
				}
				seed := d.Devices.Disks[1]
				if seed.Device != "cdrom" || seed.ReadOnly == nil {
					t.Errorf("seed disk = %+v", seed)
				}
			},
		},
		{
			name: "two interfaces",
			machine: func() *v1alpha1.Machine {
				m := newTestMachine("baker")
				m.Spec.NetworkInterfaces = append(m.Spec.NetworkInterfaces, v1alpha1.NetworkInterfaceSpec{Network: "isolated"})
				return m
			},
			wantIfaces: 2,
			check: func(t *testing.T, d *libvirtxml.Domain) {
				if d.Devices.Interfaces[0].MAC.Address == d.Devices.Interfaces[1].MAC.Address {
					t.Error("interfaces share a MAC address")
				}
			},
		},
		{
			name: "interface without source",
			machine: func() *v1alpha1.Machine {
				m := newTestMachine("baker")
				m.Spec.NetworkInterfaces = []v1alpha1.NetworkInterfaceSpec{{}}
				return m
			},
			wantErr: true,
		},
		{
			name: "invalid static address",
			machine: func() *v1alpha1.Machine {
				m := newTestMachine("baker")
				m.Spec.NetworkInterfaces = []v1alpha1.NetworkInterfaceSpec{{Bridge: "br0", IP: "999.1.1.1/24"}}
				return m
			},
			wantErr: true,
		},
		{
			name:    "nil machine",
			machine: func() *v1alpha1.Machine { return nil },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xml, err := GenerateDomainXML(tt.machine())
			if tt.wantErr {
				if err == nil {
					t.Fatal("GenerateDomainXML() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateDomainXML() error = %v", err)
			}

			var d libvirtxml.Domain
			if err := d.Unmarshal(xml); err != nil {
				t.Fatalf("generated XML does not parse: %v", err)
			}
			if len(d.Devices.Disks) != 2 {
				t.Errorf("got %d disks, want boot + seed", len(d.Devices.Disks))
			}
			if len(d.Devices.Interfaces) != tt.wantIfaces {
				t.Fatalf("got %d interfaces, want %d", len(d.Devices.Interfaces), tt.wantIfaces)
			}
			if tt.check != nil {
				tt.check(t, &d)
			}
		})
	}
}
