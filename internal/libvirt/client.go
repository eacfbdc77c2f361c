package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// DefaultSocket is the qemu:///system daemon socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	defaultConnectTimeout = 5 * time.Second
)

// Client owns one connection to the local libvirt daemon.
type Client struct {
	libvirt *libvirt.Libvirt
}

// HostInfo describes the daemon a Client is connected to.
type HostInfo struct {
	Hostname   string
	URI        string
	LibVersion string
}

// Connect dials the libvirt daemon over its UNIX socket. An empty socketPath
// uses DefaultSocket and a zero timeout uses five seconds.
//
// ctx only bounds the dial; the connection outlives it and must be released
// with Close.
func Connect(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		l := libvirt.NewWithDialer(dialers.NewLocal(
			dialers.WithSocket(socketPath),
			dialers.WithLocalTimeout(timeout),
		))
		if err := l.Connect(); err != nil {
			resultCh <- result{err: fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)}
			return
		}
		resultCh <- result{client: &Client{libvirt: l}}
	}()

	select {
	case <-ctx.Done():
		// release a connection that completes after the caller gave up
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close disconnects from libvirt. Calling it more than once is a no-op.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}
	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

// Libvirt returns the underlying go-libvirt client. The provider, storage
// manager and metadata store each accept it through their own interfaces.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping verifies the connection is still alive.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}
	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}
	return nil
}

// Info reports the daemon's hostname, URI and library version.
func (c *Client) Info() (HostInfo, error) {
	if c.libvirt == nil {
		return HostInfo{}, fmt.Errorf("client not connected")
	}
	hostname, err := c.libvirt.ConnectGetHostname()
	if err != nil {
		return HostInfo{}, fmt.Errorf("failed to get libvirt hostname: %w", err)
	}
	uri, err := c.libvirt.ConnectGetUri()
	if err != nil {
		return HostInfo{}, fmt.Errorf("failed to get libvirt URI: %w", err)
	}
	version, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return HostInfo{}, fmt.Errorf("failed to get libvirt version: %w", err)
	}
	return HostInfo{
		Hostname:   hostname,
		URI:        uri,
		LibVersion: FormatVersion(version),
	}, nil
}

// FormatVersion renders libvirt's packed major*1e6+minor*1e3+release form.
func FormatVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000)
}
