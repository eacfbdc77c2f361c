package libvirt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/metadata"
	"github.com/jbweber/baker/internal/naming"
	"github.com/jbweber/baker/internal/storage"
)

type providerFixture struct {
	lv      *mockDomainClient
	volumes *mockVolumeManager
	probed  []string
	p       *Provider
}

func newProviderFixture(t *testing.T) *providerFixture {
	t.Helper()
	f := &providerFixture{
		lv:      newMockDomainClient(),
		volumes: newMockVolumeManager(),
	}
	f.volumes.volumes["baker-images/ubuntu-24.04.qcow2"] = nil
	f.p = NewProvider(f.lv, f.volumes, quietLogger(), ProviderOptions{
		IdentityKey:  "/home/u/.baker/baker_rsa",
		StartTimeout: 200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	f.p.probe = func(_ context.Context, addr string) error {
		f.probed = append(f.probed, addr)
		return nil
	}
	return f
}

// addDomain defines m directly in the mock, as if created by an earlier run.
func (f *providerFixture) addDomain(t *testing.T, m *v1alpha1.Machine, state libvirt.DomainState) {
	t.Helper()
	doc, err := metadata.Marshal(m)
	require.NoError(t, err)
	f.lv.domains[m.Name] = &mockDomain{state: state, metadata: doc}
}

func dhcpLease(m *v1alpha1.Machine, ip string) []libvirt.DomainInterface {
	return []libvirt.DomainInterface{{
		Name:   "vnet0",
		Hwaddr: libvirt.OptString{naming.MACFromName(m.Name, 0)},
		Addrs:  []libvirt.DomainIPAddr{{Type: int32(libvirt.IPAddrTypeIpv4), Addr: ip, Prefix: 24}},
	}}
}

func TestProvider_GetState(t *testing.T) {
	tests := []struct {
		name    string
		state   libvirt.DomainState
		defined bool
		want    v1alpha1.MachineState
		wantErr bool
	}{
		{name: "undefined", want: v1alpha1.StateAbsent},
		{name: "running", defined: true, state: libvirt.DomainRunning, want: v1alpha1.StateRunning},
		{name: "shut off", defined: true, state: libvirt.DomainShutoff, want: v1alpha1.StateStopped},
		{name: "crashed", defined: true, state: libvirt.DomainCrashed, want: v1alpha1.StateStopped},
		{name: "paused", defined: true, state: libvirt.DomainPaused, want: v1alpha1.StateUnknown, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProviderFixture(t)
			if tt.defined {
				f.addDomain(t, newTestMachine("baker"), tt.state)
			}
			got, err := f.p.GetState(context.Background(), "baker")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProvider_GetState_QueryFailure(t *testing.T) {
	f := newProviderFixture(t)
	f.lv.lookupErr = errors.New("connection reset by peer")

	got, err := f.p.GetState(context.Background(), "baker")
	require.Error(t, err)
	assert.Equal(t, v1alpha1.StateUnknown, got)
}

func TestProvider_Start_DefinesAbsentMachine(t *testing.T) {
	f := newProviderFixture(t)
	m := newTestMachine("baker")
	dir := writeDefinition(t, m)

	// the DHCP lease shows up once the domain has been defined
	done := make(chan error, 1)
	go func() { done <- f.p.Start(context.Background(), "baker", dir) }()

	require.Eventually(t, func() bool {
		f.lv.mu.Lock()
		defer f.lv.mu.Unlock()
		d, ok := f.lv.domains["baker"]
		if ok && d.leases == nil {
			d.leases = dhcpLease(m, "192.168.122.50")
		}
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, <-done)

	assert.True(t, f.volumes.pools["baker-vms"])
	assert.True(t, f.volumes.pools["baker-images"])

	boot := f.volumes.specs["baker-vms/baker_boot.qcow2"]
	assert.Equal(t, storage.VolumeFormatQCOW2, boot.Format)
	assert.Equal(t, uint64(20)*storage.GiB, boot.Capacity)
	require.NotNil(t, boot.Backing)
	assert.Equal(t, "ubuntu-24.04.qcow2", boot.Backing.Volume)

	seed := f.volumes.volumes["baker-vms/baker_cloudinit.iso"]
	assert.NotEmpty(t, seed)
	assert.Equal(t, uint64(len(seed)), f.volumes.specs["baker-vms/baker_cloudinit.iso"].Capacity)

	assert.Equal(t, 1, f.lv.called("define"))
	assert.Equal(t, 1, f.lv.called("create baker"))
	assert.Equal(t, 1, f.lv.called("autostart baker"))

	stored, err := metadata.Unmarshal(f.lv.domains["baker"].metadata)
	require.NoError(t, err)
	assert.Equal(t, m.UID, stored.UID)

	assert.Contains(t, f.probed, "192.168.122.50:22")
}

func TestProvider_Start_StoppedMachine(t *testing.T) {
	f := newProviderFixture(t)
	m := newTestMachine("baker")
	m.Spec.NetworkInterfaces = []v1alpha1.NetworkInterfaceSpec{{Bridge: "br0", IP: "192.168.88.2/24", Gateway: "192.168.88.1"}}
	f.addDomain(t, m, libvirt.DomainShutoff)

	require.NoError(t, f.p.Start(context.Background(), "baker", t.TempDir()))

	assert.Equal(t, 0, f.lv.called("define"), "an existing domain must not be redefined")
	assert.Equal(t, 1, f.lv.called("create baker"))
	assert.Equal(t, []string{"192.168.88.2:22"}, f.probed)
}

func TestProvider_Start_RunningMachineIsNotRecreated(t *testing.T) {
	f := newProviderFixture(t)
	m := newTestMachine("baker")
	f.addDomain(t, m, libvirt.DomainRunning)
	f.lv.domains["baker"].leases = dhcpLease(m, "192.168.122.7")

	require.NoError(t, f.p.Start(context.Background(), "baker", t.TempDir()))
	assert.Equal(t, 0, f.lv.called("create"))
}

func TestProvider_Start_MissingBaseImage(t *testing.T) {
	f := newProviderFixture(t)
	delete(f.volumes.volumes, "baker-images/ubuntu-24.04.qcow2")
	dir := writeDefinition(t, newTestMachine("baker"))

	err := f.p.Start(context.Background(), "baker", dir)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, 0, f.lv.called("define"))
}

func TestProvider_Start_DefinitionNameMismatch(t *testing.T) {
	f := newProviderFixture(t)
	dir := writeDefinition(t, newTestMachine("docker-srv"))

	err := f.p.Start(context.Background(), "baker", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not \"baker\"")
}

func TestProvider_Start_MissingDefinition(t *testing.T) {
	f := newProviderFixture(t)
	require.Error(t, f.p.Start(context.Background(), "baker", t.TempDir()))
}

func TestProvider_Start_CreateFails(t *testing.T) {
	f := newProviderFixture(t)
	f.addDomain(t, newTestMachine("baker"), libvirt.DomainShutoff)
	f.lv.createErr = errors.New("network 'default' is not active")

	err := f.p.Start(context.Background(), "baker", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network 'default' is not active")
}

func TestProvider_Start_TimesOut(t *testing.T) {
	f := newProviderFixture(t)
	f.addDomain(t, newTestMachine("baker"), libvirt.DomainShutoff)
	// never gets a lease

	err := f.p.Start(context.Background(), "baker", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become reachable")
}

func TestProvider_Start_ReplacesLeftoverVolumes(t *testing.T) {
	f := newProviderFixture(t)
	f.volumes.volumes["baker-vms/baker_boot.qcow2"] = []byte("stale")
	dir := writeDefinition(t, newTestMachine("baker"))
	f.lv.defineErr = errors.New("stop here")

	err := f.p.Start(context.Background(), "baker", dir)
	require.ErrorContains(t, err, "stop here")
	assert.Nil(t, f.volumes.volumes["baker-vms/baker_boot.qcow2"], "stale boot volume was not replaced")
}

func TestProvider_Delete(t *testing.T) {
	f := newProviderFixture(t)
	m := newTestMachine("baker")
	f.addDomain(t, m, libvirt.DomainRunning)
	f.volumes.volumes["baker-vms/baker_boot.qcow2"] = nil
	f.volumes.volumes["baker-vms/baker_cloudinit.iso"] = nil
	f.volumes.volumes["baker-vms/docker-srv_boot.qcow2"] = nil

	require.NoError(t, f.p.Delete(context.Background(), "baker"))

	assert.Equal(t, 1, f.lv.called("destroy baker"))
	assert.Equal(t, 1, f.lv.called("undefine baker"))
	assert.NotContains(t, f.lv.domains, "baker")
	assert.NotContains(t, f.volumes.volumes, "baker-vms/baker_boot.qcow2")
	assert.NotContains(t, f.volumes.volumes, "baker-vms/baker_cloudinit.iso")
	assert.Contains(t, f.volumes.volumes, "baker-vms/docker-srv_boot.qcow2")
}

func TestProvider_Delete_Absent(t *testing.T) {
	f := newProviderFixture(t)
	require.NoError(t, f.p.Delete(context.Background(), "baker"))
	assert.Equal(t, 0, f.lv.called("undefine"))
}

func TestProvider_Delete_StoppedWithoutMetadata(t *testing.T) {
	f := newProviderFixture(t)
	f.lv.domains["baker"] = &mockDomain{state: libvirt.DomainShutoff}
	f.volumes.volumes["baker-vms/baker_boot.qcow2"] = nil

	require.NoError(t, f.p.Delete(context.Background(), "baker"))
	assert.Equal(t, 0, f.lv.called("destroy"))
	assert.NotContains(t, f.volumes.volumes, "baker-vms/baker_boot.qcow2")
}

func TestProvider_Delete_UndefineFails(t *testing.T) {
	f := newProviderFixture(t)
	f.addDomain(t, newTestMachine("baker"), libvirt.DomainShutoff)
	f.lv.undefineErr = errors.New("permission denied")

	require.Error(t, f.p.Delete(context.Background(), "baker"))
}

func TestProvider_GetSSHConfig(t *testing.T) {
	f := newProviderFixture(t)
	m := newTestMachine("baker")
	f.addDomain(t, m, libvirt.DomainRunning)
	f.lv.domains["baker"].leases = append(
		[]libvirt.DomainInterface{{
			Name:   "vnet9",
			Hwaddr: libvirt.OptString{"52:54:00:00:00:01"},
			Addrs:  []libvirt.DomainIPAddr{{Type: int32(libvirt.IPAddrTypeIpv4), Addr: "10.0.0.9"}},
		}},
		dhcpLease(m, "192.168.122.50")...,
	)

	cfg, err := f.p.GetSSHConfig(context.Background(), "baker")
	require.NoError(t, err)
	assert.Equal(t, v1alpha1.SSHConfig{
		Host:           "192.168.122.50",
		Port:           22,
		User:           "baker",
		PrivateKeyPath: "/home/u/.baker/baker_rsa",
	}, cfg)
}

func TestProvider_GetSSHConfig_Errors(t *testing.T) {
	f := newProviderFixture(t)

	_, err := f.p.GetSSHConfig(context.Background(), "baker")
	assert.True(t, errdefs.IsNotFound(err))

	f.addDomain(t, newTestMachine("baker"), libvirt.DomainRunning)
	_, err = f.p.GetSSHConfig(context.Background(), "baker")
	assert.ErrorContains(t, err, "no DHCP lease")
}
