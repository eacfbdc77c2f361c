package storage

import "fmt"

// GiB is one gibibyte in bytes.
const GiB = 1 << 30

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
)

// ParseVolumeFormat converts a definition's format string.
func ParseVolumeFormat(s string) (VolumeFormat, error) {
	switch VolumeFormat(s) {
	case VolumeFormatQCOW2, VolumeFormatRaw:
		return VolumeFormat(s), nil
	case "":
		return VolumeFormatQCOW2, nil
	}
	return "", fmt.Errorf("invalid volume format: %s (must be qcow2 or raw)", s)
}

// VolumeRef names a volume in a specific pool.
type VolumeRef struct {
	Pool   string
	Volume string
}

func (r VolumeRef) String() string {
	return r.Pool + "/" + r.Volume
}

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name     string       // e.g. "baker_boot.qcow2", "baker_cloudinit.iso"
	Format   VolumeFormat // qcow2 or raw
	Capacity uint64       // bytes
	Backing  *VolumeRef   // optional copy-on-write base (qcow2 only)
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	if v.Format != VolumeFormatQCOW2 && v.Format != VolumeFormatRaw {
		return fmt.Errorf("invalid volume format: %q (must be qcow2 or raw)", v.Format)
	}
	if v.Capacity == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	if v.Backing != nil {
		if v.Format != VolumeFormatQCOW2 {
			return fmt.Errorf("backing volumes are only supported for qcow2 format")
		}
		if v.Backing.Pool == "" || v.Backing.Volume == "" {
			return fmt.Errorf("backing volume requires pool and volume")
		}
	}
	return nil
}

// VolumeInfo contains information about a storage volume.
type VolumeInfo struct {
	Name       string
	Path       string
	Pool       string
	Capacity   uint64 // bytes
	Allocation uint64 // bytes
}

// CapacityGB returns the volume capacity in GB.
func (v *VolumeInfo) CapacityGB() float64 {
	return float64(v.Capacity) / GiB
}

// AllocationGB returns the volume allocation in GB.
func (v *VolumeInfo) AllocationGB() float64 {
	return float64(v.Allocation) / GiB
}

// DefaultPoolRoot is the directory under which baker's dir pools live.
const DefaultPoolRoot = "/var/lib/libvirt/images/baker"
