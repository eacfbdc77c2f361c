// Package naming provides the naming conventions baker applies to libvirt
// resources and machines: deterministic MAC and tap names derived from a
// static IP, image references, and machine name validation.
package naming

import (
	"crypto/sha256"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// ValidateName checks that name is usable as a libvirt domain and volume
// prefix: lowercase alphanumerics, hyphens and underscores, starting and
// ending with an alphanumeric.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must start and end with alphanumeric characters and contain only lowercase alphanumeric, hyphens, or underscores, got %q", name)
	}
	return nil
}

// parseIPv4 accepts "10.1.2.3" or "10.1.2.3/24".
func parseIPv4(ip string) (net.IP, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsed := net.ParseIP(ipStr)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}
	ipv4 := parsed.To4()
	if ipv4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return ipv4, nil
}

// MACFromIP calculates a deterministic MAC address from an IP address
// using the locally administered prefix be:ef.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// MACFromName derives a stable MAC for the index'th DHCP interface of a
// machine, in QEMU's 52:54:00 range, so guest network config can match it.
func MACFromName(machineName string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", machineName, index)))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// InterfaceMAC returns the MAC for a machine's index'th interface: derived
// from ip when the interface is static, from the machine name otherwise.
func InterfaceMAC(machineName string, index int, ip string) (string, error) {
	if ip == "" {
		return MACFromName(machineName, index), nil
	}
	return MACFromIP(ip)
}

// InterfaceNameFromIP calculates a deterministic tap interface name.
// Format: vm{hex_octets}, within the 15-char Linux limit.
//
// Example: IP 10.55.22.22 → vm0a371616
func InterfaceNameFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vm%02x%02x%02x%02x", ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// HostFromCIDR strips the prefix length from an address, returning the bare
// IP. Plain addresses are returned unchanged.
func HostFromCIDR(cidr string) (string, error) {
	if !strings.Contains(cidr, "/") {
		if net.ParseIP(cidr) == nil {
			return "", fmt.Errorf("invalid IP address: %s", cidr)
		}
		return cidr, nil
	}
	ip, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid IP/CIDR: %w", err)
	}
	return ip.String(), nil
}

// ParseImageReference splits an image reference into pool and volume.
//
// Supported forms:
//   - "ubuntu-24.04.qcow2" → (defaultPool, "ubuntu-24.04.qcow2")
//   - "baker-images:ubuntu-24.04.qcow2" → ("baker-images", "ubuntu-24.04.qcow2")
func ParseImageReference(image, defaultPool string) (pool, volume string, err error) {
	if image == "" {
		return "", "", fmt.Errorf("image reference is empty")
	}
	if strings.Contains(image, "/") {
		return "", "", fmt.Errorf("image must be a volume name or pool:volume, got path %q", image)
	}
	if strings.Contains(image, ":") {
		parts := strings.SplitN(image, ":", 2)
		pool, volume = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if pool == "" || volume == "" {
			return "", "", fmt.Errorf("invalid pool:volume format: pool and volume cannot be empty")
		}
		return pool, volume, nil
	}
	return defaultPool, image, nil
}

// VolumePrefix is the prefix shared by every volume belonging to a machine.
func VolumePrefix(machineName string) string {
	return machineName + "_"
}
