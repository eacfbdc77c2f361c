// Package libvirt is the libvirt backend of baker's provider adapter.
//
// Client owns the daemon connection. Provider maps baker's lifecycle
// contract (GetState, Start, Delete, GetSSHConfig) onto libvirt domains:
// an undefined domain is reported as Absent, and Start builds a domain from
// the machine.yaml rendered into the role's working directory.
//
//	client, err := libvirt.Connect(ctx, cfg.LibvirtSocket, cfg.ConnectTimeout)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	volumes := storage.NewManager(client.Libvirt(), storage.DefaultPoolRoot, log)
//	p := libvirt.NewProvider(client.Libvirt(), volumes, log, libvirt.ProviderOptions{
//	    IdentityKey:  cfg.IdentityKey,
//	    StartTimeout: cfg.StartTimeout,
//	})
//
// Like internal/storage and internal/metadata, the provider declares the
// libvirt calls it needs as an interface (DomainClient) that
// *libvirt.Libvirt satisfies, so it can be tested without a daemon.
package libvirt
