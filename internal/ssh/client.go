// Package ssh distributes commands and files to baker machines over SSH.
//
// A Client dials a fresh connection per operation using the SSHConfig the
// provider reported, so it never holds stale connection state across machine
// restarts.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/jbweber/baker/api/v1alpha1"
)

// Result is the outcome of a remote command that ran to completion.
type Result struct {
	Output   string
	ExitCode int
}

// Client implements command execution and file distribution.
type Client struct {
	log         logrus.FieldLogger
	dialTimeout time.Duration
	agentSocket string
}

// Option configures a Client.
type Option func(*Client)

// WithDialTimeout bounds the TCP connect and SSH handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithAgentSocket overrides SSH_AUTH_SOCK.
func WithAgentSocket(path string) Option {
	return func(c *Client) { c.agentSocket = path }
}

// NewClient creates a Client.
func NewClient(log logrus.FieldLogger, opts ...Option) *Client {
	c := &Client{
		log:         log,
		dialTimeout: 30 * time.Second,
		agentSocket: os.Getenv("SSH_AUTH_SOCK"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exec runs command on the machine described by cfg.
//
// A command that runs and exits non-zero is reported through Result, not as
// an error. Errors mean the command could not be run at all. With elevate the
// command runs under non-interactive sudo with the login user's HOME, so
// "~/" still names the user's home directory.
func (c *Client) Exec(ctx context.Context, command string, cfg v1alpha1.SSHConfig, elevate bool) (Result, error) {
	if elevate {
		command = `sudo -n HOME="$HOME" sh -c ` + shellescape.Quote(command)
	}

	client, err := c.dial(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open session on %s: %w", cfg.Address(), err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	c.log.WithField("host", cfg.Address()).Debugf("exec: %s", command)

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = client.Close()
		<-done
		return Result{Output: out.String()}, ctx.Err()
	case err = <-done:
	}

	if err == nil {
		return Result{Output: out.String()}, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return Result{Output: out.String(), ExitCode: exitErr.ExitStatus()}, nil
	}
	return Result{Output: out.String()}, fmt.Errorf("failed to run command on %s: %w", cfg.Address(), err)
}

func (c *Client) dial(ctx context.Context, cfg v1alpha1.SSHConfig) (*ssh.Client, error) {
	auth, closeAgent, err := c.authMethods(cfg)
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// machines get fresh host keys on every reinstall
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.dialTimeout,
	}

	addr := cfg.Address()
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// authMethods returns the key file signer and any agent signers. The returned
// func closes the agent connection once the handshake is done.
func (c *Client) authMethods(cfg v1alpha1.SSHConfig) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closeAgent := func() {}

	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, closeAgent, fmt.Errorf("failed to read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, closeAgent, fmt.Errorf("failed to parse SSH key %s: %w", cfg.PrivateKeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.agentSocket != "" {
		if conn, err := net.Dial("unix", c.agentSocket); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		} else {
			c.log.Debugf("SSH agent unavailable: %v", err)
		}
	}

	if len(methods) == 0 {
		return nil, closeAgent, fmt.Errorf("no authentication methods available for %s@%s", cfg.User, cfg.Host)
	}
	return methods, closeAgent, nil
}
