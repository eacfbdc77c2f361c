package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// EnsurePool ensures a directory pool exists and is running, creating it
// under the manager's root if necessary.
func (m *Manager) EnsurePool(ctx context.Context, name string) error {
	pool, err := m.client.StoragePoolLookupByName(name)
	if err != nil {
		if !isLibvirtError(err, libvirt.ErrNoStoragePool) {
			return fmt.Errorf("failed to look up pool: %w", err)
		}
		return m.createPool(ctx, name, m.PoolPath(name))
	}

	state, _, _, _, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return fmt.Errorf("failed to get pool info: %w", err)
	}
	if libvirt.StoragePoolState(state) == libvirt.StoragePoolRunning {
		return nil
	}

	m.log.Infof("Starting inactive storage pool %s...", name)
	if err := m.client.StoragePoolCreate(pool, 0); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	return nil
}

// createPool defines, builds, starts and autostarts a directory pool.
func (m *Manager) createPool(_ context.Context, name, path string) error {
	m.log.Infof("Creating storage pool %s at %s...", name, path)

	poolXML, err := m.dirPoolXML(name, path)
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, err := m.client.StoragePoolDefineXML(poolXML, 0)
	if err != nil {
		return fmt.Errorf("failed to define pool: %w", err)
	}

	if err := m.client.StoragePoolBuild(pool, 0); err != nil {
		_ = m.client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to build pool: %w", err)
	}

	if err := m.client.StoragePoolCreate(pool, 0); err != nil {
		_ = m.client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to start pool: %w", err)
	}

	// the pool is usable without autostart
	if err := m.client.StoragePoolSetAutostart(pool, 1); err != nil {
		m.log.Warnf("Warning: pool %s created but autostart failed: %v", name, err)
	}
	return nil
}

// dirPoolXML generates XML for a directory pool owned by the QEMU user.
func (m *Manager) dirPoolXML(name, path string) (string, error) {
	uid, gid, err := GetQEMUUserGroup()
	if err != nil {
		m.log.Debugf("%v", err)
	}

	pool := &libvirtxml.StoragePool{
		Type: "dir",
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
			Permissions: &libvirtxml.StoragePoolTargetPermissions{
				Owner: uid,
				Group: gid,
				Mode:  "0755",
			},
		},
	}
	return marshalXML(pool.Marshal())
}

// marshalXML strips the XML declaration libvirtxml emits.
func marshalXML(doc string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	doc = strings.TrimPrefix(doc, `<?xml version="1.0" encoding="UTF-8"?>`)
	return strings.TrimSpace(doc), nil
}
