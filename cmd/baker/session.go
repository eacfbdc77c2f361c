package main

import (
	"context"
	"fmt"

	"github.com/jbweber/baker/internal/config"
	"github.com/jbweber/baker/internal/hyperkit"
	"github.com/jbweber/baker/internal/libvirt"
	"github.com/jbweber/baker/internal/provider"
	"github.com/jbweber/baker/internal/registry"
	"github.com/jbweber/baker/internal/ssh"
	"github.com/jbweber/baker/internal/storage"
	"github.com/jbweber/baker/internal/template"
	"github.com/jbweber/baker/internal/vm"
	"github.com/jbweber/baker/internal/workspace"
)

// libvirtMode says whether a command needs the libvirt daemon.
type libvirtMode int

const (
	libvirtNone libvirtMode = iota
	libvirtOptional
	libvirtRequired
)

// session wires an Orchestrator to the real collaborators.
type session struct {
	orch     *vm.Orchestrator
	registry *registry.Store
	client   *libvirt.Client
}

func openSession(ctx context.Context, mode libvirtMode) (*session, error) {
	key, err := ssh.EnsureIdentity(cfg.IdentityKey, "baker")
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.IndexDir, log)
	if err != nil {
		return nil, err
	}
	s := &session{registry: reg}

	router := provider.NewRouter(nil)
	if mode != libvirtNone {
		client, err := libvirt.Connect(ctx, cfg.LibvirtSocket, cfg.ConnectTimeout)
		switch {
		case err == nil:
			s.client = client
			volumes := storage.NewManager(client.Libvirt(), storage.DefaultPoolRoot, log)
			router = provider.NewRouter(libvirt.NewProvider(client.Libvirt(), volumes, log, libvirt.ProviderOptions{
				IdentityKey:  cfg.IdentityKey,
				StartTimeout: cfg.StartTimeout,
			}))
		case mode == libvirtRequired:
			s.Close()
			return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
		default:
			log.Warnf("Warning: libvirt unavailable: %v", err)
		}
	}

	router.Route(config.MacHypervisorName, hyperkit.New(hyperkit.Options{
		Name:         config.MacHypervisorName,
		Dir:          cfg.MacRuntimeDir,
		SSHPort:      cfg.MacSSHPort,
		IdentityKey:  cfg.IdentityKey,
		StartTimeout: cfg.StartTimeout,
	}, hyperkit.ExecRunner{}, log))

	s.orch = vm.New(cfg, vm.Deps{
		Provider:      router,
		Registry:      reg,
		Distributor:   ssh.NewClient(log, ssh.WithDialTimeout(cfg.ConnectTimeout)),
		Renderer:      template.NewRenderer(cfg.TemplatesDir),
		Workspace:     workspace.New(log, nil),
		Logger:        log,
		AuthorizedKey: key,
	})
	return s, nil
}

func (s *session) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Warnf("Warning: failed to close libvirt connection: %v", err)
		}
	}
	if err := s.registry.Close(); err != nil {
		log.Warnf("Warning: failed to close machine index: %v", err)
	}
}
