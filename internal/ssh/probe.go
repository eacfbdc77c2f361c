package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

const probeTimeout = 3 * time.Second

// Probe reports whether an SSH server answers on addr. It reads the
// server's identification banner without authenticating, so a port
// forwarder that accepts connections before the guest's sshd is up does
// not count as reachable.
func Probe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	banner := make([]byte, 4)
	if _, err := io.ReadFull(conn, banner); err != nil {
		return fmt.Errorf("no SSH banner from %s: %w", addr, err)
	}
	if !bytes.Equal(banner, []byte("SSH-")) {
		return fmt.Errorf("%s is not an SSH server", addr)
	}
	return nil
}
