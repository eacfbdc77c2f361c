package vm

import (
	"context"
	"io/fs"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/ssh"
)

// Provider queries and mutates a named machine's lifecycle state.
//
// In production, this is satisfied by *provider.Router.
// In tests, this is satisfied by mock implementations.
type Provider interface {
	// GetState reports the machine's state. Absent is not an error.
	GetState(ctx context.Context, name string) (v1alpha1.MachineState, error)

	// Start boots the machine defined in workDir and blocks until it is
	// reachable or has failed.
	Start(ctx context.Context, name, workDir string) error

	// Delete removes the machine. Deleting an absent machine succeeds.
	Delete(ctx context.Context, name string) error

	// GetSSHConfig returns connection parameters for a running machine.
	GetSSHConfig(ctx context.Context, name string) (v1alpha1.SSHConfig, error)
}

// Registry is the persisted machine index.
//
// In production, this is satisfied by *registry.Store.
type Registry interface {
	Add(ctx context.Context, rec *v1alpha1.MachineRecord) error
	Remove(ctx context.Context, name string) error
	Lookup(ctx context.Context, name string) (*v1alpha1.MachineRecord, error)
	List(ctx context.Context) ([]*v1alpha1.MachineRecord, error)
}

// Distributor runs commands on and copies files to machines.
//
// In production, this is satisfied by *ssh.Client.
type Distributor interface {
	Exec(ctx context.Context, command string, cfg v1alpha1.SSHConfig, elevate bool) (ssh.Result, error)
	CopyFiles(ctx context.Context, sources []string, dest string, cfg v1alpha1.SSHConfig) error
	WriteFile(ctx context.Context, data []byte, remotePath string, mode fs.FileMode, cfg v1alpha1.SSHConfig) error
}

// Renderer renders a definition template by reference.
//
// In production, this is satisfied by *template.Renderer.
type Renderer interface {
	Render(ref string, data any) (string, error)
}

// Workspace performs the local filesystem steps of an install.
//
// In production, this is satisfied by *workspace.FS.
type Workspace interface {
	EnsureDir(dir string) error
	Exists(path string) (bool, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, mode fs.FileMode) error
	CopyFile(src, dstDir, name string, mode fs.FileMode) error
	Entries(dir string) ([]string, error)
	Download(ctx context.Context, url, dst string) error
}
