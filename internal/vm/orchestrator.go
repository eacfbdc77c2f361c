package vm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/config"
	"github.com/jbweber/baker/internal/loader"
)

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Provider    Provider
	Registry    Registry
	Distributor Distributor
	Renderer    Renderer
	Workspace   Workspace
	Logger      logrus.FieldLogger

	// AuthorizedKey is the public key rendered into libvirt machine
	// definitions, in authorized_keys format.
	AuthorizedKey string
}

// Orchestrator ensures baker's infrastructure machines exist and run.
type Orchestrator struct {
	cfg      *config.Config
	provider Provider
	registry Registry
	dist     Distributor
	renderer Renderer
	ws       Workspace
	log      logrus.FieldLogger

	authorizedKey string
}

// New creates an Orchestrator. cfg is not copied and must not be modified
// while the Orchestrator is in use.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Orchestrator{
		cfg:           cfg,
		provider:      deps.Provider,
		registry:      deps.Registry,
		dist:          deps.Distributor,
		renderer:      deps.Renderer,
		ws:            deps.Workspace,
		log:           log,
		authorizedKey: deps.AuthorizedKey,
	}
}

// Handle identifies a running machine.
type Handle struct {
	Name    string
	Role    v1alpha1.Role
	WorkDir string
	SSH     v1alpha1.SSHConfig

	// Installed is set when this call performed the first install.
	Installed bool
}

// EnsureOptions adjusts EnsureRunning.
type EnsureOptions struct {
	// CustomName names an externally managed machine to use instead of
	// the role's canonical one. Nothing is provisioned for it.
	CustomName string
}

// EnsureRunning brings the role's machine to Running.
//
// This orchestrates the whole install-or-start path:
//  1. Resolve and create the working directory
//  2. Query the provider for the canonical machine name
//  3. Absent: render the definition and stage one-time assets
//  4. Present but unrecorded: finish an interrupted install
//  5. Absent or Stopped: start the machine
//  6. Fetch SSH connection parameters
//  7. Install not yet recorded: run the post-install action and record the machine
//
// Calling it again for a running, recorded machine only queries its state,
// its registry entry and its SSH parameters. Start failures are returned as *MachineStartFailedError and are
// not retried.
func (o *Orchestrator) EnsureRunning(ctx context.Context, role v1alpha1.Role, opts EnsureOptions) (*Handle, error) {
	if opts.CustomName != "" {
		o.log.WithField("role", role).Infof("Using %s, skipping provisioning", opts.CustomName)
		return &Handle{Name: opts.CustomName, Role: role}, nil
	}

	r, err := o.recipe(role)
	if err != nil {
		return nil, err
	}

	workDir := o.cfg.WorkDir(role)
	if err := o.ws.EnsureDir(workDir); err != nil {
		return nil, err
	}

	state, err := o.state(ctx, o.cfg.MachineName(role))
	if err != nil {
		return nil, err
	}
	return o.converge(ctx, r, state)
}

// converge drives a role from a known state to Running.
//
// A machine the provider knows but the registry does not was left behind by
// an install that failed after the definition was created. It is started
// and its install is finished without rendering the definition again.
func (o *Orchestrator) converge(ctx context.Context, r *recipe, state v1alpha1.MachineState) (*Handle, error) {
	h := &Handle{
		Name:    o.cfg.MachineName(r.role),
		Role:    r.role,
		WorkDir: o.cfg.WorkDir(r.role),
	}
	log := o.log.WithFields(logrus.Fields{"role": r.role, "machine": h.Name})
	log.Debugf("Machine is %s", state)

	fresh := state == v1alpha1.StateAbsent
	h.Installed = fresh
	if !fresh {
		recorded, err := o.recorded(ctx, h.Name)
		if err != nil {
			return nil, err
		}
		if !recorded {
			log.Warn("Machine exists but was never recorded, finishing its install")
			h.Installed = true
		}
	}

	var control *Handle
	if h.Installed && r.requires != "" {
		var err error
		if control, err = o.requireRunning(ctx, r.requires); err != nil {
			return nil, err
		}
	}
	if fresh {
		log.Info("Installing machine...")
		if err := o.install(ctx, r, h.WorkDir); err != nil {
			return nil, err
		}
	}

	if state != v1alpha1.StateRunning {
		log.Info("Starting machine...")
		if err := o.provider.Start(ctx, h.Name, h.WorkDir); err != nil {
			return nil, &MachineStartFailedError{Role: r.role, Err: err}
		}
	}

	sshCfg, err := o.provider.GetSSHConfig(ctx, h.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get SSH config for %s: %w", h.Name, err)
	}
	h.SSH = sshCfg

	if h.Installed {
		if r.postInstall != nil {
			log.Info("Running post-install...")
			if err := r.postInstall(ctx, h, control); err != nil {
				return nil, err
			}
		}
		rec := v1alpha1.NewMachineRecord(h.Name, h.WorkDir, r.role, h.SSH)
		if err := o.registry.Add(ctx, rec); err != nil {
			return nil, err
		}
		log.Info("Machine installed")
	}
	return h, nil
}

// recorded reports whether the registry holds an entry for name.
func (o *Orchestrator) recorded(ctx context.Context, name string) (bool, error) {
	if _, err := o.registry.Lookup(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up %s: %w", name, err)
	}
	return true, nil
}

// install stages the role's assets and writes a fresh definition. The
// definition goes last: providers treat it as the mark of an installed
// machine, so a failed staging step leaves the role absent.
func (o *Orchestrator) install(ctx context.Context, r *recipe, workDir string) error {
	doc, err := o.renderer.Render(r.template, r.data)
	if err != nil {
		return err
	}

	for _, a := range r.assets {
		if err := o.ws.CopyFile(a.src, filepath.Join(workDir, a.dir), a.name, a.mode); err != nil {
			return err
		}
	}
	for _, d := range r.downloads {
		if err := o.ws.Download(ctx, d.url, filepath.Join(workDir, d.name)); err != nil {
			return err
		}
	}
	return o.ws.WriteFile(filepath.Join(workDir, r.definition), []byte(doc), 0o644)
}

// requireRunning returns a running handle for an installed role, starting
// it if needed. An absent role yields *ControlPlaneNotInstalledError.
func (o *Orchestrator) requireRunning(ctx context.Context, role v1alpha1.Role) (*Handle, error) {
	r, err := o.recipe(role)
	if err != nil {
		return nil, err
	}
	name := o.cfg.MachineName(role)
	state, err := o.state(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == v1alpha1.StateAbsent {
		if recorded, err := o.recorded(ctx, name); err == nil && recorded {
			o.log.WithFields(logrus.Fields{"role": role, "machine": name}).
				Warn("Machine is recorded but the provider has no such machine, was it deleted outside baker?")
		}
		return nil, &ControlPlaneNotInstalledError{Role: role}
	}
	return o.converge(ctx, r, state)
}

func (o *Orchestrator) state(ctx context.Context, name string) (v1alpha1.MachineState, error) {
	state, err := o.provider.GetState(ctx, name)
	if err != nil {
		return v1alpha1.StateUnknown, &ProviderQueryFailedError{Name: name, Err: err}
	}
	if state == v1alpha1.StateUnknown {
		return state, &ProviderQueryFailedError{Name: name, Err: errors.New("provider reported unknown state")}
	}
	return state, nil
}

// Reinstall deletes the role's machine and registry entry, then installs it
// again. It is not atomic: a failure after the delete leaves the role
// absent and unrecorded.
func (o *Orchestrator) Reinstall(ctx context.Context, role v1alpha1.Role) (*Handle, error) {
	if _, err := o.recipe(role); err != nil {
		return nil, err
	}
	name := o.cfg.MachineName(role)
	o.log.WithFields(logrus.Fields{"role": role, "machine": name}).Info("Removing machine...")

	if err := o.provider.Delete(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", name, err)
	}
	if err := o.registry.Remove(ctx, name); err != nil {
		return nil, err
	}
	return o.EnsureRunning(ctx, role, EnsureOptions{})
}

// PrepareDependent makes sure the role's machine is running and copies the
// workload in bakerScriptPath to ~/<namespace>/<name>/ on it, where name
// comes from the workload's baker.yml. A role that was never installed
// yields *ControlPlaneNotInstalledError before any SSH traffic.
func (o *Orchestrator) PrepareDependent(ctx context.Context, role v1alpha1.Role, bakerScriptPath string) (*Handle, error) {
	doc, err := loader.LoadBakerDoc(bakerScriptPath)
	if err != nil {
		return nil, err
	}

	h, err := o.requireRunning(ctx, role)
	if err != nil {
		return nil, err
	}

	sources, err := o.ws.Entries(bakerScriptPath)
	if err != nil {
		return nil, err
	}
	dest := o.cfg.RemoteDir(doc.Name)
	o.log.WithField("machine", h.Name).Infof("Copying %s to ~/%s", bakerScriptPath, dest)
	if err := o.dist.CopyFiles(ctx, sources, dest, h.SSH); err != nil {
		return nil, fmt.Errorf("failed to copy %s to %s: %w", doc.Name, h.Name, err)
	}
	return h, nil
}

// AddToInventory lets the control node reach a machine: it pushes the
// machine's private key as ~/<namespace>/<ip>_rsa, writes an ansible
// inventory to ~/<namespace>/<name>/baker_inventory and maps name to the
// machine's address in the control node's /etc/hosts.
func (o *Orchestrator) AddToInventory(ctx context.Context, control v1alpha1.SSHConfig, name string, vm v1alpha1.SSHConfig) error {
	key, err := o.ws.ReadFile(vm.PrivateKeyPath)
	if err != nil {
		return err
	}
	ip := vm.Host
	keyName := ip + "_rsa"

	if err := o.dist.WriteFile(ctx, key, o.cfg.RemoteDir(keyName), 0o600, control); err != nil {
		return fmt.Errorf("failed to push key for %s: %w", name, err)
	}
	inventory := inventoryEntry(name, ip, keyName, vm)
	if err := o.dist.WriteFile(ctx, []byte(inventory), o.cfg.RemoteDir(name, InventoryFile), 0o644, control); err != nil {
		return fmt.Errorf("failed to write inventory for %s: %w", name, err)
	}

	line := shellescape.Quote(ip + " " + name)
	cmd := fmt.Sprintf("grep -qxF %s /etc/hosts || echo %s >> /etc/hosts", line, line)
	return o.run(ctx, cmd, control, true)
}

func inventoryEntry(name, ip, keyFile string, vm v1alpha1.SSHConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n%s\tansible_ssh_private_key_file=%s\tansible_user=%s", name, ip, keyFile, vm.User)
	if vm.Port != 0 && vm.Port != 22 {
		b.WriteString("\tansible_port=" + strconv.Itoa(vm.Port))
	}
	b.WriteString("\n")
	return b.String()
}

// run executes a remote command and turns a non-zero exit into
// *RemoteActionFailedError.
func (o *Orchestrator) run(ctx context.Context, command string, cfg v1alpha1.SSHConfig, elevate bool) error {
	res, err := o.dist.Exec(ctx, command, cfg, elevate)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &RemoteActionFailedError{Command: command, ExitCode: res.ExitCode, Output: res.Output}
	}
	o.log.Debugf("%s: %s", command, strings.TrimSpace(res.Output))
	return nil
}

// State reports the provider state of the role's canonical machine.
func (o *Orchestrator) State(ctx context.Context, role v1alpha1.Role) (v1alpha1.MachineState, error) {
	return o.state(ctx, o.cfg.MachineName(role))
}

// Machines lists the registry.
func (o *Orchestrator) Machines(ctx context.Context) ([]*v1alpha1.MachineRecord, error) {
	return o.registry.List(ctx)
}

// EnsureControlNode installs or starts the control node.
func (o *Orchestrator) EnsureControlNode(ctx context.Context) (*Handle, error) {
	return o.EnsureRunning(ctx, v1alpha1.RoleControlNode, EnsureOptions{})
}

// EnsureDockerHost installs or starts the docker host. A non-empty
// customName selects an externally managed host instead.
func (o *Orchestrator) EnsureDockerHost(ctx context.Context, customName string) (*Handle, error) {
	return o.EnsureRunning(ctx, v1alpha1.RoleDockerHost, EnsureOptions{CustomName: customName})
}

// ReinstallControlNode replaces the control node.
func (o *Orchestrator) ReinstallControlNode(ctx context.Context) (*Handle, error) {
	return o.Reinstall(ctx, v1alpha1.RoleControlNode)
}

// PrepareForWorkload stages the workload at bakerScriptPath on the control
// node.
func (o *Orchestrator) PrepareForWorkload(ctx context.Context, bakerScriptPath string) (*Handle, error) {
	return o.PrepareDependent(ctx, v1alpha1.RoleControlNode, bakerScriptPath)
}

// EnsureMacRuntime installs or starts the macOS hypervisor runtime.
func (o *Orchestrator) EnsureMacRuntime(ctx context.Context) (*Handle, error) {
	return o.EnsureRunning(ctx, v1alpha1.RoleMacHypervisor, EnsureOptions{})
}

// ReinstallMacRuntime removes the runtime directory and installs it again.
func (o *Orchestrator) ReinstallMacRuntime(ctx context.Context) (*Handle, error) {
	return o.Reinstall(ctx, v1alpha1.RoleMacHypervisor)
}
