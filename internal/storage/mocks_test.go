package storage

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
)

// mockLibvirtClient is an in-memory LibvirtClient.
type mockLibvirtClient struct {
	pools   map[string]*mockPool
	volumes map[string]map[string]*mockVolume // pool -> volume -> data

	createdXML []string
	uploadErr  error
	lookupErr  error
}

type mockPool struct {
	name  string
	state libvirt.StoragePoolState
	xml   string
}

type mockVolume struct {
	name string
	path string
	xml  string
	data []byte
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools:   map[string]*mockPool{},
		volumes: map[string]map[string]*mockVolume{},
	}
}

// addPool registers a running pool.
func (m *mockLibvirtClient) addPool(name string) {
	m.pools[name] = &mockPool{name: name, state: libvirt.StoragePoolRunning}
	m.volumes[name] = map[string]*mockVolume{}
}

// addVolume registers a volume in an existing pool.
func (m *mockLibvirtClient) addVolume(pool, name string) {
	m.volumes[pool][name] = &mockVolume{name: name, path: "/pools/" + pool + "/" + name}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "Storage pool not found: " + name}
}

func noVol(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "Storage volume not found: " + name}
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if m.lookupErr != nil {
		return libvirt.StoragePool{}, m.lookupErr
	}
	if _, ok := m.pools[name]; !ok {
		return libvirt.StoragePool{}, noPool(name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool XML: missing name")
	}
	if _, ok := m.pools[name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool already exists: %s", name)
	}
	m.pools[name] = &mockPool{name: name, state: libvirt.StoragePoolInactive, xml: xml}
	m.volumes[name] = map[string]*mockVolume{}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	p, ok := m.pools[pool.Name]
	if !ok {
		return noPool(pool.Name)
	}
	p.state = libvirt.StoragePoolRunning
	return nil
}

func (m *mockLibvirtClient) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	return nil
}

func (m *mockLibvirtClient) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	return nil
}

func (m *mockLibvirtClient) StoragePoolUndefine(pool libvirt.StoragePool) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	delete(m.pools, pool.Name)
	delete(m.volumes, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, noPool(pool.Name)
	}
	return uint8(p.state), 0, 0, 0, nil
}

func (m *mockLibvirtClient) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return nil, 0, noPool(pool.Name)
	}
	var out []libvirt.StorageVol
	for name := range vols {
		out = append(out, libvirt.StorageVol{Pool: pool.Name, Name: name})
	}
	return out, uint32(len(out)), nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}
	if _, ok := vols[name]; !ok {
		return libvirt.StorageVol{}, noVol(name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}
	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: missing name")
	}
	if _, ok := vols[name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume already exists: %s", name)
	}
	m.createdXML = append(m.createdXML, xml)
	vols[name] = &mockVolume{name: name, path: "/pools/" + pool.Name + "/" + name, xml: xml}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return noPool(vol.Pool)
	}
	if _, ok := vols[vol.Name]; !ok {
		return noVol(vol.Name)
	}
	delete(vols, vol.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	v, err := m.volume(vol)
	if err != nil {
		return "", err
	}
	return v.path, nil
}

func (m *mockLibvirtClient) StorageVolGetInfo(vol libvirt.StorageVol) (int8, uint64, uint64, error) {
	v, err := m.volume(vol)
	if err != nil {
		return 0, 0, 0, err
	}
	return 0, 20 * GiB, uint64(len(v.data)), nil
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, r io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	v, err := m.volume(vol)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	v.data = data
	return nil
}

func (m *mockLibvirtClient) volume(vol libvirt.StorageVol) (*mockVolume, error) {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return nil, noPool(vol.Pool)
	}
	v, ok := vols[vol.Name]
	if !ok {
		return nil, noVol(vol.Name)
	}
	return v, nil
}

// extractTagValue returns the text of the first <tag>...</tag>.
func extractTagValue(xml, tag string) string {
	start := strings.Index(xml, "<"+tag+">")
	if start == -1 {
		return ""
	}
	start += len(tag) + 2
	end := strings.Index(xml[start:], "</"+tag+">")
	if end == -1 {
		return ""
	}
	return xml[start : start+end]
}

func newTestManager(client LibvirtClient) *Manager {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return NewManager(client, "/pools", log)
}

// writeImage writes a fake disk image starting with header, padded to size.
func writeImage(path string, header []byte, size int) error {
	data := make([]byte, size)
	copy(data, header)
	return os.WriteFile(path, data, 0644)
}
