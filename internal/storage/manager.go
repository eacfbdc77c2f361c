// Package storage manages the libvirt storage pools and volumes that back
// baker's machines.
//
// Two directory pools are used: one for shared base images and one for
// per-machine volumes (boot disk and cloud-init seed). Volume names carry the
// machine name as a prefix so a machine's volumes can be found and removed
// without any external bookkeeping.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
)

// LibvirtClient is the subset of *libvirt.Libvirt the manager uses.
type LibvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolDefineXML(XML string, Flags uint32) (libvirt.StoragePool, error)
	StoragePoolCreate(Pool libvirt.StoragePool, Flags libvirt.StoragePoolCreateFlags) error
	StoragePoolBuild(Pool libvirt.StoragePool, Flags libvirt.StoragePoolBuildFlags) error
	StoragePoolSetAutostart(Pool libvirt.StoragePool, Autostart int32) error
	StoragePoolUndefine(Pool libvirt.StoragePool) error
	StoragePoolGetInfo(Pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error)
	StoragePoolListAllVolumes(Pool libvirt.StoragePool, NeedResults int32, Flags uint32) ([]libvirt.StorageVol, uint32, error)
	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolDelete(Vol libvirt.StorageVol, Flags libvirt.StorageVolDeleteFlags) error
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
	StorageVolGetInfo(Vol libvirt.StorageVol) (rType int8, rCapacity uint64, rAllocation uint64, err error)
	StorageVolUpload(Vol libvirt.StorageVol, outStream io.Reader, Offset uint64, Length uint64, Flags libvirt.StorageVolUploadFlags) error
}

// Manager coordinates storage operations for pools, volumes, and images.
type Manager struct {
	client LibvirtClient
	root   string
	log    logrus.FieldLogger
}

// NewManager creates a storage manager. Pools it creates are placed under
// root, or DefaultPoolRoot when root is empty.
func NewManager(client LibvirtClient, root string, log logrus.FieldLogger) *Manager {
	if root == "" {
		root = DefaultPoolRoot
	}
	return &Manager{client: client, root: root, log: log}
}

// PoolPath returns the directory a pool created by this manager lives in.
func (m *Manager) PoolPath(pool string) string {
	return filepath.Join(m.root, pool)
}

// EnsurePools makes sure every named pool exists and is running.
func (m *Manager) EnsurePools(ctx context.Context, pools ...string) error {
	seen := map[string]bool{}
	for _, name := range pools {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := m.EnsurePool(ctx, name); err != nil {
			return fmt.Errorf("failed to ensure pool %s: %w", name, err)
		}
	}
	return nil
}

// isLibvirtError reports whether err carries one of the given libvirt codes.
func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	for _, code := range codes {
		if lerr.Code == uint32(code) {
			return true
		}
	}
	return false
}
