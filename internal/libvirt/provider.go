package libvirt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
	"github.com/siderolabs/go-retry/retry"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/cloudinit"
	"github.com/jbweber/baker/internal/loader"
	"github.com/jbweber/baker/internal/metadata"
	"github.com/jbweber/baker/internal/naming"
	"github.com/jbweber/baker/internal/ssh"
	"github.com/jbweber/baker/internal/storage"
)

// DomainClient is the subset of the libvirt API the provider drives.
// *libvirt.Libvirt satisfies it.
type DomainClient interface {
	metadata.Client

	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainSetAutostart(dom libvirt.Domain, autostart int32) error
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	DomainInterfaceAddresses(dom libvirt.Domain, source uint32, flags uint32) ([]libvirt.DomainInterface, error)
}

// VolumeManager creates and removes the volumes a machine boots from.
// *storage.Manager satisfies it.
type VolumeManager interface {
	EnsurePools(ctx context.Context, pools ...string) error
	VolumeExists(ctx context.Context, pool, volume string) (bool, error)
	CreateVolume(ctx context.Context, pool string, spec storage.VolumeSpec) error
	DeleteVolume(ctx context.Context, pool, volume string) error
	DeleteVolumesWithPrefix(ctx context.Context, pool, prefix string) (int, error)
	WriteVolumeData(ctx context.Context, pool, volume string, data []byte) error
}

// ProviderOptions tunes a Provider.
type ProviderOptions struct {
	// IdentityKey is the private key reported in every SSHConfig.
	IdentityKey string

	// StartTimeout bounds the wait for a started machine to accept SSH.
	StartTimeout time.Duration

	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
}

// Provider manages baker machines as libvirt domains.
type Provider struct {
	lv      DomainClient
	volumes VolumeManager
	log     logrus.FieldLogger
	opts    ProviderOptions

	// probe checks that an SSH server answers; replaced in tests.
	probe func(ctx context.Context, addr string) error
}

// NewProvider creates a Provider.
func NewProvider(lv DomainClient, volumes VolumeManager, log logrus.FieldLogger, opts ProviderOptions) *Provider {
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 5 * time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Provider{
		lv:      lv,
		volumes: volumes,
		log:     log,
		opts:    opts,
		probe:   ssh.Probe,
	}
}

func isNoDomain(err error) bool {
	var e libvirt.Error
	return errors.As(err, &e) && e.Code == uint32(libvirt.ErrNoDomain)
}

// GetState reports the machine's lifecycle state. A domain that does not
// exist is Absent, not an error.
func (p *Provider) GetState(_ context.Context, name string) (v1alpha1.MachineState, error) {
	dom, err := p.lv.DomainLookupByName(name)
	if err != nil {
		if isNoDomain(err) {
			return v1alpha1.StateAbsent, nil
		}
		return v1alpha1.StateUnknown, fmt.Errorf("failed to look up domain %s: %w", name, err)
	}

	state, _, err := p.lv.DomainGetState(dom, 0)
	if err != nil {
		if isNoDomain(err) {
			return v1alpha1.StateAbsent, nil
		}
		return v1alpha1.StateUnknown, fmt.Errorf("failed to get state of domain %s: %w", name, err)
	}

	switch libvirt.DomainState(state) {
	case libvirt.DomainRunning, libvirt.DomainBlocked:
		return v1alpha1.StateRunning, nil
	case libvirt.DomainShutoff, libvirt.DomainShutdown, libvirt.DomainCrashed, libvirt.DomainPmsuspended:
		return v1alpha1.StateStopped, nil
	default:
		return v1alpha1.StateUnknown, fmt.Errorf("domain %s is in unsupported state %d", name, state)
	}
}

// Start brings the machine up and blocks until it accepts SSH connections
// or StartTimeout passes.
//
// A machine that has never been defined is built from <workDir>/machine.yaml:
// its pools, boot volume and cloud-init seed are created and the definition
// is stored on the domain.
func (p *Provider) Start(ctx context.Context, name, workDir string) error {
	log := p.log.WithField("machine", name)

	dom, err := p.lv.DomainLookupByName(name)
	switch {
	case isNoDomain(err):
		log.Info("Defining machine...")
		if dom, err = p.define(ctx, name, workDir); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to look up domain %s: %w", name, err)
	}

	state, _, err := p.lv.DomainGetState(dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get state of domain %s: %w", name, err)
	}
	if libvirt.DomainState(state) != libvirt.DomainRunning {
		log.Info("Starting machine...")
		if err := p.lv.DomainCreate(dom); err != nil {
			return fmt.Errorf("failed to start domain %s: %w", name, err)
		}
	}

	log.Info("Waiting for SSH...")
	if err := p.waitReady(ctx, name); err != nil {
		return fmt.Errorf("machine %s did not become reachable: %w", name, err)
	}
	log.Info("Machine is running")
	return nil
}

func (p *Provider) define(ctx context.Context, name, workDir string) (libvirt.Domain, error) {
	m, err := loader.LoadMachineDir(workDir)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to load machine definition: %w", err)
	}
	if m.Name != name {
		return libvirt.Domain{}, fmt.Errorf("definition in %s is for %q, not %q", workDir, m.Name, name)
	}

	pool := m.GetStoragePool()
	imagePool, image, err := naming.ParseImageReference(m.Spec.BootDisk.Image, m.GetBootDiskImagePool())
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("invalid boot image: %w", err)
	}
	if err := p.volumes.EnsurePools(ctx, pool, imagePool); err != nil {
		return libvirt.Domain{}, err
	}

	ok, err := p.volumes.VolumeExists(ctx, imagePool, image)
	if err != nil {
		return libvirt.Domain{}, err
	}
	if !ok {
		return libvirt.Domain{}, fmt.Errorf("base image %s:%s: %w", imagePool, image, errdefs.ErrNotFound)
	}

	// volumes left by an earlier attempt that failed before defining the domain
	for _, vol := range []string{m.GetBootVolumeName(), m.GetCloudInitVolumeName()} {
		if err := p.volumes.DeleteVolume(ctx, pool, vol); err != nil && !errdefs.IsNotFound(err) {
			return libvirt.Domain{}, err
		}
	}

	format, err := storage.ParseVolumeFormat(m.GetBootDiskFormat())
	if err != nil {
		return libvirt.Domain{}, err
	}
	err = p.volumes.CreateVolume(ctx, pool, storage.VolumeSpec{
		Name:     m.GetBootVolumeName(),
		Format:   format,
		Capacity: uint64(m.Spec.BootDisk.SizeGB) * storage.GiB,
		Backing:  &storage.VolumeRef{Pool: imagePool, Volume: image},
	})
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to create boot volume: %w", err)
	}

	seed, err := cloudinit.GenerateISO(m)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to build cloud-init seed: %w", err)
	}
	err = p.volumes.CreateVolume(ctx, pool, storage.VolumeSpec{
		Name:     m.GetCloudInitVolumeName(),
		Format:   storage.VolumeFormatRaw,
		Capacity: uint64(len(seed)),
	})
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to create cloud-init volume: %w", err)
	}
	if err := p.volumes.WriteVolumeData(ctx, pool, m.GetCloudInitVolumeName(), seed); err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to upload cloud-init seed: %w", err)
	}

	domainXML, err := GenerateDomainXML(m)
	if err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := p.lv.DomainDefineXML(domainXML)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to define domain: %w", err)
	}
	if err := metadata.Store(p.lv, dom, m); err != nil {
		return libvirt.Domain{}, err
	}
	if err := p.lv.DomainSetAutostart(dom, 1); err != nil {
		p.log.WithField("machine", name).Warnf("Warning: failed to enable autostart: %v", err)
	}
	return dom, nil
}

func (p *Provider) waitReady(ctx context.Context, name string) error {
	return retry.Constant(p.opts.StartTimeout, retry.WithUnits(p.opts.PollInterval)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			state, err := p.GetState(ctx, name)
			if err != nil {
				return err
			}
			if state != v1alpha1.StateRunning {
				return retry.ExpectedError(fmt.Errorf("machine is %s", state))
			}
			cfg, err := p.GetSSHConfig(ctx, name)
			if err != nil {
				return retry.ExpectedError(err)
			}
			if err := p.probe(ctx, cfg.Address()); err != nil {
				return retry.ExpectedError(err)
			}
			return nil
		})
}

// Delete stops and removes the machine with its volumes. Deleting a machine
// that does not exist succeeds.
func (p *Provider) Delete(ctx context.Context, name string) error {
	log := p.log.WithField("machine", name)

	dom, err := p.lv.DomainLookupByName(name)
	if err != nil {
		if isNoDomain(err) {
			return nil
		}
		return fmt.Errorf("failed to look up domain %s: %w", name, err)
	}

	// read before undefine, the metadata goes with the domain
	m, mErr := metadata.Load(p.lv, dom)

	state, _, err := p.lv.DomainGetState(dom, 0)
	if err != nil && !isNoDomain(err) {
		return fmt.Errorf("failed to get state of domain %s: %w", name, err)
	}
	if err == nil && libvirt.DomainState(state) == libvirt.DomainRunning {
		log.Info("Stopping machine...")
		if err := p.lv.DomainDestroy(dom); err != nil && !isNoDomain(err) {
			return fmt.Errorf("failed to stop domain %s: %w", name, err)
		}
	}

	log.Info("Removing machine...")
	if err := p.lv.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil && !isNoDomain(err) {
		return fmt.Errorf("failed to undefine domain %s: %w", name, err)
	}

	if mErr != nil {
		log.Warnf("Warning: no stored definition, removing volumes by prefix: %v", mErr)
		return p.deleteByPrefix(ctx, name)
	}
	pool := m.GetStoragePool()
	for _, vol := range []string{m.GetBootVolumeName(), m.GetCloudInitVolumeName()} {
		if err := p.volumes.DeleteVolume(ctx, pool, vol); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (p *Provider) deleteByPrefix(ctx context.Context, name string) error {
	n, err := p.volumes.DeleteVolumesWithPrefix(ctx, v1alpha1.DefaultStoragePool, naming.VolumePrefix(name))
	if err != nil {
		return err
	}
	p.log.WithField("machine", name).Debugf("removed %d volumes", n)
	return nil
}

// GetSSHConfig returns connection parameters for a defined machine: the
// first static address of its stored definition, or its DHCP lease.
func (p *Provider) GetSSHConfig(_ context.Context, name string) (v1alpha1.SSHConfig, error) {
	dom, err := p.lv.DomainLookupByName(name)
	if err != nil {
		if isNoDomain(err) {
			return v1alpha1.SSHConfig{}, fmt.Errorf("machine %s: %w", name, errdefs.ErrNotFound)
		}
		return v1alpha1.SSHConfig{}, fmt.Errorf("failed to look up domain %s: %w", name, err)
	}
	m, err := metadata.Load(p.lv, dom)
	if err != nil {
		return v1alpha1.SSHConfig{}, err
	}

	var host string
	if ip := m.StaticIP(); ip != "" {
		if host, err = naming.HostFromCIDR(ip); err != nil {
			return v1alpha1.SSHConfig{}, err
		}
	} else if host, err = p.leaseAddress(dom, m); err != nil {
		return v1alpha1.SSHConfig{}, err
	}

	return v1alpha1.SSHConfig{
		Host:           host,
		Port:           22,
		User:           m.Spec.Provisioning.User,
		PrivateKeyPath: p.opts.IdentityKey,
	}, nil
}

// leaseAddress finds the IPv4 lease of the machine's first interface.
func (p *Provider) leaseAddress(dom libvirt.Domain, m *v1alpha1.Machine) (string, error) {
	ifaces, err := p.lv.DomainInterfaceAddresses(dom, uint32(libvirt.DomainInterfaceAddressesSrcLease), 0)
	if err != nil {
		return "", fmt.Errorf("failed to read DHCP leases of %s: %w", m.Name, err)
	}
	mac := naming.MACFromName(m.Name, 0)
	var fallback string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type != int32(libvirt.IPAddrTypeIpv4) {
				continue
			}
			if len(iface.Hwaddr) > 0 && iface.Hwaddr[0] == mac {
				return addr.Addr, nil
			}
			if fallback == "" {
				fallback = addr.Addr
			}
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("machine %s has no DHCP lease yet", m.Name)
	}
	return fallback, nil
}
