// Package hyperkit is the macOS backend of baker's provider adapter. It
// manages the single hypervisor runtime installed under the runtime
// directory, launched through bakerformac.sh inside a detached screen
// session.
package hyperkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"github.com/siderolabs/go-retry/retry"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/ssh"
)

const (
	// DefinitionFile is the rendered runtime environment sourced by the
	// launcher. Its presence marks the runtime as installed.
	DefinitionFile = "hyperkit.env"

	// PIDFile is written by the launcher with the hypervisor's process id.
	PIDFile = "hyperkit.pid"

	// Launcher is the start script staged into the runtime directory.
	Launcher = "bakerformac.sh"

	// Session is the screen session the launcher runs in.
	Session = "BakerForMac"
)

// Runner runs a host command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Options configures a Runtime.
type Options struct {
	// Name is the machine name the runtime answers to.
	Name string

	// Dir is the runtime directory.
	Dir string

	// SSHPort is the host port forwarded to the runtime's sshd.
	SSHPort int

	// IdentityKey is the private key reported in SSHConfig.
	IdentityKey string

	StartTimeout time.Duration
	PollInterval time.Duration
}

// Runtime implements the provider contract for the macOS hypervisor.
type Runtime struct {
	opts   Options
	runner Runner
	log    logrus.FieldLogger

	probe  func(ctx context.Context, addr string) error
	signal func(pid int, sig syscall.Signal) error
}

// New creates a Runtime.
func New(opts Options, runner Runner, log logrus.FieldLogger) *Runtime {
	if opts.StartTimeout == 0 {
		opts.StartTimeout = 5 * time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Runtime{
		opts:   opts,
		runner: runner,
		log:    log,
		probe:  ssh.Probe,
		signal: syscall.Kill,
	}
}

func (r *Runtime) check(name string) error {
	if name != r.opts.Name {
		return fmt.Errorf("hyperkit runtime manages %q, not %q: %w", r.opts.Name, name, errdefs.ErrNotFound)
	}
	return nil
}

// GetState reports Absent until the runtime definition has been written,
// Running while the hypervisor process recorded in the pid file is alive,
// and Stopped otherwise.
func (r *Runtime) GetState(_ context.Context, name string) (v1alpha1.MachineState, error) {
	if err := r.check(name); err != nil {
		return v1alpha1.StateUnknown, err
	}

	if _, err := os.Stat(filepath.Join(r.opts.Dir, DefinitionFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v1alpha1.StateAbsent, nil
		}
		return v1alpha1.StateUnknown, fmt.Errorf("failed to stat runtime definition: %w", err)
	}

	pid, err := r.pid()
	if err != nil {
		return v1alpha1.StateUnknown, err
	}
	if pid > 0 && r.alive(pid) {
		return v1alpha1.StateRunning, nil
	}
	return v1alpha1.StateStopped, nil
}

// pid returns the recorded process id, or 0 when none is recorded.
func (r *Runtime) pid() (int, error) {
	data, err := os.ReadFile(filepath.Join(r.opts.Dir, PIDFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents %q: %w", s, err)
	}
	return pid, nil
}

func (r *Runtime) alive(pid int) bool {
	err := r.signal(pid, syscall.Signal(0))
	// EPERM means the process exists but belongs to someone else
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Start launches the runtime if it is not running and waits until its SSH
// port answers.
func (r *Runtime) Start(ctx context.Context, name, workDir string) error {
	state, err := r.GetState(ctx, name)
	if err != nil {
		return err
	}
	if state == v1alpha1.StateAbsent {
		return fmt.Errorf("runtime definition %s: %w", filepath.Join(workDir, DefinitionFile), errdefs.ErrNotFound)
	}

	if state != v1alpha1.StateRunning {
		r.log.WithField("machine", name).Info("Starting hypervisor runtime...")
		launcher := filepath.Join(workDir, Launcher)
		if _, err := r.runner.Run(ctx, "screen", "-dm", "-S", Session, "bash", "-c", launcher); err != nil {
			return fmt.Errorf("failed to launch %s: %w", launcher, err)
		}
	}

	r.log.WithField("machine", name).Info("Waiting for SSH...")
	addr := r.sshConfig().Address()
	err = retry.Constant(r.opts.StartTimeout, retry.WithUnits(r.opts.PollInterval)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			if err := r.probe(ctx, addr); err != nil {
				return retry.ExpectedError(err)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("runtime did not become reachable on %s: %w", addr, err)
	}
	return nil
}

// Delete stops the hypervisor and removes the runtime directory. Deleting a
// runtime that is not installed succeeds.
func (r *Runtime) Delete(ctx context.Context, name string) error {
	if err := r.check(name); err != nil {
		return err
	}
	log := r.log.WithField("machine", name)

	pid, err := r.pid()
	if err != nil {
		log.Warnf("Warning: %v", err)
	}
	if pid > 0 && r.alive(pid) {
		log.Info("Stopping hypervisor runtime...")
		if err := r.signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to stop hypervisor process %d: %w", pid, err)
		}
	}
	// the session may already be gone
	if _, err := r.runner.Run(ctx, "screen", "-S", Session, "-X", "quit"); err != nil {
		log.Debugf("screen session not closed: %v", err)
	}

	if err := os.RemoveAll(r.opts.Dir); err != nil {
		return fmt.Errorf("failed to remove runtime directory: %w", err)
	}
	return nil
}

// GetSSHConfig returns the forwarded loopback connection to the runtime.
func (r *Runtime) GetSSHConfig(_ context.Context, name string) (v1alpha1.SSHConfig, error) {
	if err := r.check(name); err != nil {
		return v1alpha1.SSHConfig{}, err
	}
	return r.sshConfig(), nil
}

func (r *Runtime) sshConfig() v1alpha1.SSHConfig {
	return v1alpha1.SSHConfig{
		Host:           "127.0.0.1",
		Port:           r.opts.SSHPort,
		User:           "root",
		PrivateKeyPath: r.opts.IdentityKey,
	}
}
