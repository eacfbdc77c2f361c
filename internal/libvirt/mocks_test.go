package libvirt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/loader"
	"github.com/jbweber/baker/internal/storage"
)

type mockDomain struct {
	state    libvirt.DomainState
	xml      string
	metadata string
	leases   []libvirt.DomainInterface
}

// mockDomainClient keeps domains in memory, keyed by name.
type mockDomainClient struct {
	mu      sync.Mutex
	domains map[string]*mockDomain

	lookupErr   error
	createErr   error
	defineErr   error
	undefineErr error

	// bootOnCreate is the state DomainCreate leaves the domain in.
	bootOnCreate libvirt.DomainState

	calls []string
}

func newMockDomainClient() *mockDomainClient {
	return &mockDomainClient{
		domains:      map[string]*mockDomain{},
		bootOnCreate: libvirt.DomainRunning,
	}
}

func noDomain(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found: no domain with matching name '" + name + "'"}
}

func (m *mockDomainClient) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockDomainClient) called(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (m *mockDomainClient) get(dom libvirt.Domain) (*mockDomain, error) {
	d, ok := m.domains[dom.Name]
	if !ok {
		return nil, noDomain(dom.Name)
	}
	return d, nil
}

func (m *mockDomainClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("lookup " + name)
	if m.lookupErr != nil {
		return libvirt.Domain{}, m.lookupErr
	}
	if _, ok := m.domains[name]; !ok {
		return libvirt.Domain{}, noDomain(name)
	}
	return libvirt.Domain{Name: name}, nil
}

func (m *mockDomainClient) DomainGetState(dom libvirt.Domain, _ uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(dom)
	if err != nil {
		return 0, 0, err
	}
	return int32(d.state), 0, nil
}

func (m *mockDomainClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("define")
	if m.defineErr != nil {
		return libvirt.Domain{}, m.defineErr
	}
	var doc libvirtxml.Domain
	if err := doc.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, err
	}
	m.domains[doc.Name] = &mockDomain{state: libvirt.DomainShutoff, xml: xml}
	return libvirt.Domain{Name: doc.Name}, nil
}

func (m *mockDomainClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create " + dom.Name)
	if m.createErr != nil {
		return m.createErr
	}
	d, err := m.get(dom)
	if err != nil {
		return err
	}
	d.state = m.bootOnCreate
	return nil
}

func (m *mockDomainClient) DomainSetAutostart(dom libvirt.Domain, _ int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("autostart " + dom.Name)
	return nil
}

func (m *mockDomainClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("destroy " + dom.Name)
	d, err := m.get(dom)
	if err != nil {
		return err
	}
	d.state = libvirt.DomainShutoff
	return nil
}

func (m *mockDomainClient) DomainUndefineFlags(dom libvirt.Domain, _ libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("undefine " + dom.Name)
	if m.undefineErr != nil {
		return m.undefineErr
	}
	if _, err := m.get(dom); err != nil {
		return err
	}
	delete(m.domains, dom.Name)
	return nil
}

func (m *mockDomainClient) DomainInterfaceAddresses(dom libvirt.Domain, _ uint32, _ uint32) ([]libvirt.DomainInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(dom)
	if err != nil {
		return nil, err
	}
	return d.leases, nil
}

func (m *mockDomainClient) DomainSetMetadata(dom libvirt.Domain, _ int32, md libvirt.OptString, _ libvirt.OptString, _ libvirt.OptString, _ libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(dom)
	if err != nil {
		return err
	}
	d.metadata = ""
	if len(md) > 0 {
		d.metadata = md[0]
	}
	return nil
}

func (m *mockDomainClient) DomainGetMetadata(dom libvirt.Domain, _ int32, _ libvirt.OptString, _ libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(dom)
	if err != nil {
		return "", err
	}
	if d.metadata == "" {
		return "", errors.New("Requested metadata element is not present")
	}
	return d.metadata, nil
}

// mockVolumeManager tracks volumes as pool/name strings.
type mockVolumeManager struct {
	pools   map[string]bool
	volumes map[string][]byte
	specs   map[string]storage.VolumeSpec

	createErr error
}

func newMockVolumeManager() *mockVolumeManager {
	return &mockVolumeManager{
		pools:   map[string]bool{},
		volumes: map[string][]byte{},
		specs:   map[string]storage.VolumeSpec{},
	}
}

func (v *mockVolumeManager) EnsurePools(_ context.Context, pools ...string) error {
	for _, p := range pools {
		v.pools[p] = true
	}
	return nil
}

func (v *mockVolumeManager) VolumeExists(_ context.Context, pool, volume string) (bool, error) {
	_, ok := v.volumes[pool+"/"+volume]
	return ok, nil
}

func (v *mockVolumeManager) CreateVolume(_ context.Context, pool string, spec storage.VolumeSpec) error {
	if v.createErr != nil {
		return v.createErr
	}
	key := pool + "/" + spec.Name
	if _, ok := v.volumes[key]; ok {
		return fmt.Errorf("volume %s already exists", key)
	}
	v.volumes[key] = nil
	v.specs[key] = spec
	return nil
}

func (v *mockVolumeManager) DeleteVolume(_ context.Context, pool, volume string) error {
	key := pool + "/" + volume
	if _, ok := v.volumes[key]; !ok {
		return fmt.Errorf("volume %s: %w", key, errdefs.ErrNotFound)
	}
	delete(v.volumes, key)
	return nil
}

func (v *mockVolumeManager) DeleteVolumesWithPrefix(_ context.Context, pool, prefix string) (int, error) {
	n := 0
	for key := range v.volumes {
		if strings.HasPrefix(key, pool+"/"+prefix) {
			delete(v.volumes, key)
			n++
		}
	}
	return n, nil
}

func (v *mockVolumeManager) WriteVolumeData(_ context.Context, pool, volume string, data []byte) error {
	key := pool + "/" + volume
	if _, ok := v.volumes[key]; !ok {
		return fmt.Errorf("volume %s: %w", key, errdefs.ErrNotFound)
	}
	v.volumes[key] = data
	return nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// writeDefinition saves m as machine.yaml in a fresh working directory.
func writeDefinition(t *testing.T, m *v1alpha1.Machine) string {
	t.Helper()
	dir := t.TempDir()
	if err := loader.SaveMachineFile(m, filepath.Join(dir, loader.MachineFile)); err != nil {
		t.Fatalf("SaveMachineFile() error = %v", err)
	}
	return dir
}
