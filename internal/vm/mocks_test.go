package vm

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/ssh"
)

// mockProvider is an in-memory Provider. Start moves a machine to Running.
type mockProvider struct {
	mu sync.Mutex

	states map[string]v1alpha1.MachineState
	ssh    map[string]v1alpha1.SSHConfig

	// Configurable behavior
	getStateFunc func(name string) (v1alpha1.MachineState, error)
	startFunc    func(name, workDir string) error
	deleteFunc   func(name string) error

	// Call tracking, in order
	calls []string
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		states: map[string]v1alpha1.MachineState{},
		ssh:    map[string]v1alpha1.SSHConfig{},
	}
}

func (m *mockProvider) GetState(_ context.Context, name string) (v1alpha1.MachineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "GetState "+name)
	if m.getStateFunc != nil {
		return m.getStateFunc(name)
	}
	if s, ok := m.states[name]; ok {
		return s, nil
	}
	return v1alpha1.StateAbsent, nil
}

func (m *mockProvider) Start(_ context.Context, name, workDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Start "+name+" "+workDir)
	if m.startFunc != nil {
		if err := m.startFunc(name, workDir); err != nil {
			return err
		}
	}
	m.states[name] = v1alpha1.StateRunning
	return nil
}

func (m *mockProvider) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "Delete "+name)
	if m.deleteFunc != nil {
		if err := m.deleteFunc(name); err != nil {
			return err
		}
	}
	delete(m.states, name)
	return nil
}

func (m *mockProvider) GetSSHConfig(_ context.Context, name string) (v1alpha1.SSHConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "GetSSHConfig "+name)
	if m.states[name] != v1alpha1.StateRunning {
		return v1alpha1.SSHConfig{}, fmt.Errorf("machine %s is not running", name)
	}
	if cfg, ok := m.ssh[name]; ok {
		return cfg, nil
	}
	return v1alpha1.SSHConfig{Host: "192.168.122.10", Port: 22, User: "baker", PrivateKeyPath: "/home/u/.baker/baker_rsa"}, nil
}

// count returns how many recorded calls start with prefix.
func (m *mockProvider) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (m *mockProvider) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// mockRegistry is an in-memory Registry.
type mockRegistry struct {
	mu sync.Mutex

	records map[string]*v1alpha1.MachineRecord

	addErr    error
	lookupErr error

	addCalls    []string
	removeCalls []string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{records: map[string]*v1alpha1.MachineRecord{}}
}

func (m *mockRegistry) Add(_ context.Context, rec *v1alpha1.MachineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls = append(m.addCalls, rec.Name)
	if m.addErr != nil {
		return m.addErr
	}
	m.records[rec.Name] = rec
	return nil
}

func (m *mockRegistry) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, name)
	delete(m.records, name)
	return nil
}

func (m *mockRegistry) Lookup(_ context.Context, name string) (*v1alpha1.MachineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	rec, ok := m.records[name]
	if !ok {
		return nil, fmt.Errorf("machine %s: %w", name, errdefs.ErrNotFound)
	}
	return rec, nil
}

func (m *mockRegistry) List(_ context.Context) ([]*v1alpha1.MachineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1alpha1.MachineRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type execCall struct {
	command string
	host    string
	elevate bool
}

type copyCall struct {
	sources []string
	dest    string
	host    string
}

type writeCall struct {
	data string
	path string
	mode fs.FileMode
	host string
}

// mockDistributor records SSH traffic. Commands succeed with exit 0 unless
// execFunc says otherwise.
type mockDistributor struct {
	mu sync.Mutex

	execFunc func(command string) (ssh.Result, error)
	copyErr  error

	execs  []execCall
	copies []copyCall
	writes []writeCall
}

func (m *mockDistributor) Exec(_ context.Context, command string, cfg v1alpha1.SSHConfig, elevate bool) (ssh.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{command: command, host: cfg.Host, elevate: elevate})
	if m.execFunc != nil {
		return m.execFunc(command)
	}
	return ssh.Result{}, nil
}

func (m *mockDistributor) CopyFiles(_ context.Context, sources []string, dest string, cfg v1alpha1.SSHConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, copyCall{sources: sources, dest: dest, host: cfg.Host})
	return m.copyErr
}

func (m *mockDistributor) WriteFile(_ context.Context, data []byte, remotePath string, mode fs.FileMode, cfg v1alpha1.SSHConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, writeCall{data: string(data), path: remotePath, mode: mode, host: cfg.Host})
	return nil
}

func (m *mockDistributor) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.execs) + len(m.copies) + len(m.writes)
}

// mockRenderer renders "<ref> <name>" so tests can tell documents apart.
type mockRenderer struct {
	err   error
	refs  []string
	datas []map[string]any
}

func (m *mockRenderer) Render(ref string, data any) (string, error) {
	m.refs = append(m.refs, ref)
	d, _ := data.(map[string]any)
	m.datas = append(m.datas, d)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("%s %v", ref, d["name"]), nil
}

type fileCopy struct {
	src  string
	dst  string
	mode fs.FileMode
}

// mockWorkspace keeps files in memory. Entries lists the real directory so
// PrepareDependent tests can use t.TempDir workloads.
type mockWorkspace struct {
	mu sync.Mutex

	dirs      []string
	files     map[string]string
	modes     map[string]fs.FileMode
	copies    []fileCopy
	downloads []string

	copyErr     error
	downloadErr error
}

func newMockWorkspace() *mockWorkspace {
	return &mockWorkspace{files: map[string]string{}, modes: map[string]fs.FileMode{}}
}

func (m *mockWorkspace) EnsureDir(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs = append(m.dirs, dir)
	return nil
}

func (m *mockWorkspace) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

func (m *mockWorkspace) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("failed to read %s: %w", path, fs.ErrNotExist)
	}
	return []byte(data), nil
}

func (m *mockWorkspace) WriteFile(path string, data []byte, mode fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = string(data)
	m.modes[path] = mode
	return nil
}

func (m *mockWorkspace) CopyFile(src, dstDir, name string, mode fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.copyErr != nil {
		return m.copyErr
	}
	m.copies = append(m.copies, fileCopy{src: src, dst: filepath.Join(dstDir, name), mode: mode})
	return nil
}

func (m *mockWorkspace) Entries(dir string) ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}

func (m *mockWorkspace) Download(_ context.Context, url, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads = append(m.downloads, url+" -> "+dst)
	return m.downloadErr
}
