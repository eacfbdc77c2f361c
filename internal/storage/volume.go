package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// lookupVolume resolves pool/volume, mapping libvirt's missing pool and
// missing volume errors onto errdefs.ErrNotFound.
func (m *Manager) lookupVolume(poolName, volumeName string) (libvirt.StorageVol, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		if isLibvirtError(err, libvirt.ErrNoStoragePool) {
			return libvirt.StorageVol{}, fmt.Errorf("pool %s: %w", poolName, errdefs.ErrNotFound)
		}
		return libvirt.StorageVol{}, fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		if isLibvirtError(err, libvirt.ErrNoStorageVol) {
			return libvirt.StorageVol{}, fmt.Errorf("volume %s/%s: %w", poolName, volumeName, errdefs.ErrNotFound)
		}
		return libvirt.StorageVol{}, fmt.Errorf("failed to look up volume %s/%s: %w", poolName, volumeName, err)
	}
	return vol, nil
}

// CreateVolume creates a new volume in the specified pool.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid volume spec: %w", err)
	}

	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	volumeXML, err := m.volumeXML(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	if _, err := m.client.StorageVolCreateXML(pool, volumeXML, 0); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}
	m.log.Debugf("Created volume %s/%s", poolName, spec.Name)
	return nil
}

// DeleteVolume deletes a volume. A missing volume is reported with
// errdefs.ErrNotFound.
func (m *Manager) DeleteVolume(_ context.Context, poolName, volumeName string) error {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return err
	}
	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume %s/%s: %w", poolName, volumeName, err)
	}
	return nil
}

// DeleteVolumesWithPrefix removes every volume in the pool whose name starts
// with prefix and returns how many were removed. A missing pool removes
// nothing.
func (m *Manager) DeleteVolumesWithPrefix(ctx context.Context, poolName, prefix string) (int, error) {
	vols, err := m.ListVolumes(ctx, poolName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	deleted := 0
	for _, v := range vols {
		if !strings.HasPrefix(v.Name, prefix) {
			continue
		}
		m.log.Infof("Deleting volume %s from pool %s...", v.Name, poolName)
		if err := m.DeleteVolume(ctx, poolName, v.Name); err != nil && !errdefs.IsNotFound(err) {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// ListVolumes lists all volumes in the specified pool.
func (m *Manager) ListVolumes(_ context.Context, poolName string) ([]VolumeInfo, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		if isLibvirtError(err, libvirt.ErrNoStoragePool) {
			return nil, fmt.Errorf("pool %s: %w", poolName, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up pool %s: %w", poolName, err)
	}

	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	infos := make([]VolumeInfo, 0, len(volumes))
	for _, vol := range volumes {
		path, err := m.client.StorageVolGetPath(vol)
		if err != nil {
			m.log.Debugf("Skipping volume %s: %v", vol.Name, err)
			continue
		}
		_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
		if err != nil {
			m.log.Debugf("Skipping volume %s: %v", vol.Name, err)
			continue
		}
		infos = append(infos, VolumeInfo{
			Name:       vol.Name,
			Path:       path,
			Pool:       poolName,
			Capacity:   capacity,
			Allocation: allocation,
		})
	}
	return infos, nil
}

// GetVolumePath returns the filesystem path of a volume.
func (m *Manager) GetVolumePath(_ context.Context, poolName, volumeName string) (string, error) {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return "", err
	}
	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get volume path: %w", err)
	}
	return path, nil
}

// WriteVolumeData uploads data to an existing volume.
func (m *Manager) WriteVolumeData(ctx context.Context, poolName, volumeName string, data []byte) error {
	return m.upload(ctx, poolName, volumeName, bytes.NewReader(data), uint64(len(data)))
}

func (m *Manager) upload(_ context.Context, poolName, volumeName string, r io.Reader, length uint64) error {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return err
	}
	if err := m.client.StorageVolUpload(vol, r, 0, length, 0); err != nil {
		return fmt.Errorf("failed to upload data to volume %s/%s: %w", poolName, volumeName, err)
	}
	return nil
}

// VolumeExists reports whether a volume exists. A missing pool counts as a
// missing volume.
func (m *Manager) VolumeExists(_ context.Context, poolName, volumeName string) (bool, error) {
	_, err := m.lookupVolume(poolName, volumeName)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// volumeXML generates XML for a storage volume, resolving the backing
// volume's path when one is set.
func (m *Manager) volumeXML(ctx context.Context, spec VolumeSpec) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.Capacity,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
		},
	}

	if spec.Backing != nil {
		backingPath, err := m.GetVolumePath(ctx, spec.Backing.Pool, spec.Backing.Volume)
		if err != nil {
			return "", fmt.Errorf("failed to resolve backing volume %s: %w", spec.Backing, err)
		}
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path: backingPath,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(formatFromName(spec.Backing.Volume)),
			},
		}
	}

	return marshalXML(vol.Marshal())
}

// formatFromName infers a base image's format from its extension, as
// ImportImage names them.
func formatFromName(name string) VolumeFormat {
	if strings.HasSuffix(name, ".raw") || strings.HasSuffix(name, ".img") {
		return VolumeFormatRaw
	}
	return VolumeFormatQCOW2
}
