package vm

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/hyperkit"
	"github.com/jbweber/baker/internal/loader"
	"github.com/jbweber/baker/internal/template"
)

const (
	// ProvisionScript is the control node's post-install script.
	ProvisionScript = "provision.shell.sh"

	// DockerPlaybook is run on the control node to configure the docker host.
	DockerPlaybook = "installDocker.yml"

	// InventoryFile is the per-machine ansible inventory on the control node.
	InventoryFile = "baker_inventory"
)

// asset is a file staged into a working directory on first install.
type asset struct {
	src  string
	dir  string // relative to the working directory
	name string
	mode fs.FileMode
}

// download is a release file fetched into the working directory if missing.
type download struct {
	url  string
	name string
}

// recipe describes how a role is installed.
type recipe struct {
	role       v1alpha1.Role
	template   string
	definition string
	data       map[string]any
	assets     []asset
	downloads  []download

	// requires names a role that must be installed before this one.
	requires v1alpha1.Role

	// postInstall runs once after the first successful start. control is
	// the running required role, if any.
	postInstall func(ctx context.Context, h *Handle, control *Handle) error
}

func (o *Orchestrator) recipe(role v1alpha1.Role) (*recipe, error) {
	name := o.cfg.MachineName(role)
	workDir := o.cfg.WorkDir(role)

	switch role {
	case v1alpha1.RoleControlNode:
		return &recipe{
			role:       role,
			template:   template.ControlNode,
			definition: loader.MachineFile,
			data:       o.machineData(role, name),
			assets: []asset{
				{src: filepath.Join(o.cfg.AssetsDir, ProvisionScript), name: ProvisionScript, mode: 0o755},
			},
			postInstall: o.provisionControlNode,
		}, nil

	case v1alpha1.RoleDockerHost:
		src := filepath.Join(o.cfg.AssetsDir, "dockerHost")
		return &recipe{
			role:       role,
			template:   template.DockerHost,
			definition: loader.MachineFile,
			data:       o.machineData(role, name),
			assets: []asset{
				{src: filepath.Join(src, "dockerConfig.yml"), name: "dockerConfig.yml", mode: 0o644},
				{src: filepath.Join(src, "lxd-bridge"), name: "lxd-bridge", mode: 0o644},
			},
			requires:    v1alpha1.RoleControlNode,
			postInstall: o.installDocker,
		}, nil

	case v1alpha1.RoleMacHypervisor:
		src := filepath.Join(o.cfg.AssetsDir, "BakerForMac")
		return &recipe{
			role:       role,
			template:   template.MacRuntime,
			definition: hyperkit.DefinitionFile,
			data: map[string]any{
				"name":    name,
				"workDir": workDir,
				"sshPort": o.cfg.MacSSHPort,
			},
			assets: []asset{
				{src: filepath.Join(src, "vendor", "hyperkit"), dir: "vendor", name: "hyperkit", mode: 0o511},
				{src: filepath.Join(src, "vendor", "vpnkit.exe"), dir: "vendor", name: "vpnkit.exe", mode: 0o511},
				{src: filepath.Join(src, hyperkit.Launcher), name: hyperkit.Launcher, mode: 0o511},
				{src: filepath.Join(src, "hyperkitrun.sh"), name: "hyperkitrun.sh", mode: 0o511},
				{src: o.cfg.IdentityKey, name: "baker_rsa", mode: 0o600},
			},
			downloads: []download{
				{url: o.cfg.ReleaseAsset("kernel"), name: "kernel"},
				{url: o.cfg.ReleaseAsset("file.img.gz"), name: "file.img.gz"},
			},
		}, nil
	}
	return nil, fmt.Errorf("unsupported role %q", role)
}

// machineData is the template data for the libvirt roles. The uid is
// derived from the namespace and machine name, so rendering the same
// configuration twice yields the same definition.
func (o *Orchestrator) machineData(role v1alpha1.Role, name string) map[string]any {
	size := o.cfg.Size(role)
	return map[string]any{
		"name":          name,
		"uid":           machineUID(o.cfg.Namespace, name),
		"role":          string(role),
		"vcpus":         size.VCPUs,
		"memoryMiB":     size.MemoryMiB,
		"storagePool":   v1alpha1.DefaultStoragePool,
		"diskGB":        size.DiskGB,
		"image":         o.cfg.BaseImage,
		"network":       o.cfg.Network,
		"user":          o.cfg.User,
		"authorizedKey": o.authorizedKey,
		"namespace":     o.cfg.Namespace,
	}
}

// provisionControlNode pushes the staged provision script into the remote
// control directory and runs it as root.
func (o *Orchestrator) provisionControlNode(ctx context.Context, h *Handle, _ *Handle) error {
	script := filepath.Join(h.WorkDir, ProvisionScript)
	if err := o.dist.CopyFiles(ctx, []string{script}, o.cfg.RemoteDir(), h.SSH); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", ProvisionScript, h.Name, err)
	}
	cmd := fmt.Sprintf("cd ~/%s/ && bash %s", o.cfg.RemoteDir(), ProvisionScript)
	return o.run(ctx, cmd, h.SSH, true)
}

// installDocker registers the docker host with the control node and runs
// the docker playbook against it from there.
func (o *Orchestrator) installDocker(ctx context.Context, h *Handle, control *Handle) error {
	if err := o.AddToInventory(ctx, control.SSH, h.Name, h.SSH); err != nil {
		return err
	}

	staged := []string{
		filepath.Join(h.WorkDir, "dockerConfig.yml"),
		filepath.Join(h.WorkDir, "lxd-bridge"),
	}
	if err := o.dist.CopyFiles(ctx, staged, o.cfg.RemoteDir(h.Name), control.SSH); err != nil {
		return fmt.Errorf("failed to copy docker host configuration to %s: %w", control.Name, err)
	}

	cmd := fmt.Sprintf("cd ~/%s/ && ansible-playbook -i %s/%s %s",
		o.cfg.RemoteDir(), h.Name, InventoryFile, DockerPlaybook)
	return o.run(ctx, cmd, control.SSH, false)
}

// machineUID is the stable domain UUID of a machine.
func machineUID(namespace, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("baker://"+namespace+"/"+name)).String()
}
