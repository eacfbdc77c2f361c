// Package cloudinit builds the NoCloud seed a machine boots with: user-data,
// meta-data and network-config derived from a Machine definition.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/naming"
)

// UserData is the cloud-config document. It is marshaled to YAML and
// prefixed with the "#cloud-config" header.
type UserData struct {
	Hostname        string   `yaml:"hostname"`
	ManageEtcHosts  bool     `yaml:"manage_etc_hosts"`
	Users           []User   `yaml:"users"`
	SSHPasswordAuth bool     `yaml:"ssh_pwauth"`
	PackageUpdate   bool     `yaml:"package_update,omitempty"`
	Packages        []string `yaml:"packages,omitempty"`
	RunCmd          []string `yaml:"runcmd,omitempty"`
	Output          *Output  `yaml:"output,omitempty"`
}

// User is one entry of the cloud-config users list.
type User struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo,omitempty"`
	Shell             string   `yaml:"shell,omitempty"`
	Groups            string   `yaml:"groups,omitempty"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData is the NoCloud meta-data document.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig is a netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig configures one interface, matched by MAC address.
type EthernetConfig struct {
	Match       MatchConfig   `yaml:"match"`
	SetName     string        `yaml:"set-name"`
	DHCP4       bool          `yaml:"dhcp4"`
	Addresses   []string      `yaml:"addresses,omitempty"`
	Routes      []RouteConfig `yaml:"routes,omitempty"`
	Nameservers *Nameservers  `yaml:"nameservers,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RouteConfig is a static route.
type RouteConfig struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

// Nameservers lists DNS resolvers.
type Nameservers struct {
	Addresses []string `yaml:"addresses"`
}

// GenerateUserData renders user-data for m, including the header line.
//
// The provisioning user gets passwordless sudo: post-install actions run
// elevated with "sudo -n".
func GenerateUserData(m *v1alpha1.Machine) (string, error) {
	if m == nil {
		return "", fmt.Errorf("machine cannot be nil")
	}
	p := m.Spec.Provisioning
	if p.User == "" {
		return "", fmt.Errorf("provisioning user is required")
	}

	userData := UserData{
		Hostname:       m.GetHostname(),
		ManageEtcHosts: true,
		Users: []User{{
			Name:              p.User,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			Groups:            "sudo",
			LockPasswd:        true,
			SSHAuthorizedKeys: p.SSHAuthorizedKeys,
		}},
		SSHPasswordAuth: false,
		PackageUpdate:   len(p.Packages) > 0,
		Packages:        p.Packages,
		RunCmd:          p.RunCmd,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}

	out, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}

// GenerateMetaData renders meta-data for m.
//
// The instance-id is the machine UID, so a reinstalled machine with the same
// name is still treated as a first boot.
func GenerateMetaData(m *v1alpha1.Machine) (string, error) {
	if m == nil {
		return "", fmt.Errorf("machine cannot be nil")
	}
	instanceID := m.UID
	if instanceID == "" {
		instanceID = m.Name
	}

	out, err := yaml.Marshal(&MetaData{
		InstanceID:    instanceID,
		LocalHostname: m.GetHostname(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}
	return string(out), nil
}

// GenerateNetworkConfig renders network-config for m. Interfaces on a
// libvirt network use DHCP; bridged interfaces get their static address.
func GenerateNetworkConfig(m *v1alpha1.Machine) (string, error) {
	if m == nil {
		return "", fmt.Errorf("machine cannot be nil")
	}
	if len(m.Spec.NetworkInterfaces) == 0 {
		return "", fmt.Errorf("at least one network interface is required")
	}

	cfg := NetworkConfig{
		Version:   2,
		Ethernets: make(map[string]EthernetConfig),
	}

	defaultRoute := false
	for i, iface := range m.Spec.NetworkInterfaces {
		mac, err := naming.InterfaceMAC(m.Name, i, iface.IP)
		if err != nil {
			return "", fmt.Errorf("interface %d: %w", i, err)
		}
		name := fmt.Sprintf("eth%d", i)
		eth := EthernetConfig{
			Match:   MatchConfig{MACAddress: mac},
			SetName: name,
		}

		if iface.IP == "" {
			eth.DHCP4 = true
		} else {
			eth.Addresses = []string{iface.IP}
			// only the first gateway becomes the default route
			if iface.Gateway != "" && !defaultRoute {
				eth.Routes = []RouteConfig{{To: "0.0.0.0/0", Via: iface.Gateway}}
				defaultRoute = true
			}
			if len(iface.DNSServers) > 0 {
				eth.Nameservers = &Nameservers{Addresses: iface.DNSServers}
			}
		}
		cfg.Ethernets[name] = eth
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}
	return string(out), nil
}
