// Package config holds the explicit configuration object baker passes to
// every component at construction time.
//
// Values are layered: built-in defaults derived from the user's home
// directory, then an optional ~/.baker/config.yaml, then BAKER_* environment
// variables, then command-line flags bound to the same keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jbweber/baker/api/v1alpha1"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "BAKER"

// Canonical machine names for each role.
const (
	ControlNodeName   = "baker"
	DockerHostName    = "docker-srv"
	MacHypervisorName = "baker-for-mac"
)

// MachineSize is the hardware shape rendered into a role's definition.
type MachineSize struct {
	VCPUs     int `mapstructure:"vcpus" yaml:"vcpus"`
	MemoryMiB int `mapstructure:"memoryMiB" yaml:"memoryMiB"`
	DiskGB    int `mapstructure:"diskGB" yaml:"diskGB"`
}

// Config is the complete runtime configuration.
type Config struct {
	// Home is the user's home directory. Other paths default beneath it.
	Home string `mapstructure:"home" yaml:"home"`

	// BakerHome holds the config file, registry and identity key.
	BakerHome string `mapstructure:"bakerHome" yaml:"bakerHome"`

	// BoxesDir is the parent of every machine working directory.
	BoxesDir string `mapstructure:"boxesDir" yaml:"boxesDir"`

	// MacRuntimeDir is the install directory for the macOS hypervisor runtime.
	MacRuntimeDir string `mapstructure:"macRuntimeDir" yaml:"macRuntimeDir"`

	// IndexDir is the registry database directory.
	IndexDir string `mapstructure:"indexDir" yaml:"indexDir"`

	// AssetsDir holds one-time assets staged into working directories
	// (provision.shell.sh, dockerHost/, BakerForMac/).
	AssetsDir string `mapstructure:"assetsDir" yaml:"assetsDir"`

	// TemplatesDir overrides the built-in definition templates when it
	// contains a template of the same name.
	TemplatesDir string `mapstructure:"templatesDir" yaml:"templatesDir"`

	// IdentityKey is the private key injected into every machine.
	IdentityKey string `mapstructure:"identityKey" yaml:"identityKey"`

	// Namespace names the control directory on remote machines (~/<namespace>/).
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// LibvirtSocket is the libvirt daemon socket path.
	LibvirtSocket string `mapstructure:"libvirtSocket" yaml:"libvirtSocket"`

	// ConnectTimeout bounds the libvirt connection attempt.
	ConnectTimeout time.Duration `mapstructure:"connectTimeout" yaml:"connectTimeout"`

	// StartTimeout bounds how long a provider waits for a started machine
	// to accept SSH connections.
	StartTimeout time.Duration `mapstructure:"startTimeout" yaml:"startTimeout"`

	// Network is the libvirt network machines join for DHCP.
	Network string `mapstructure:"network" yaml:"network"`

	// BaseImage is the base volume machine boot disks are layered on.
	BaseImage string `mapstructure:"baseImage" yaml:"baseImage"`

	// User is the login created inside libvirt machines.
	User string `mapstructure:"user" yaml:"user"`

	// ControlNode and DockerHost size the two libvirt roles.
	ControlNode MachineSize `mapstructure:"controlNode" yaml:"controlNode"`
	DockerHost  MachineSize `mapstructure:"dockerHost" yaml:"dockerHost"`

	// MacSSHPort is the forwarded SSH port of the macOS runtime.
	MacSSHPort int `mapstructure:"macSSHPort" yaml:"macSSHPort"`

	// ReleaseURL is the base URL for macOS runtime kernel and image downloads.
	ReleaseURL string `mapstructure:"releaseURL" yaml:"releaseURL"`

	// LogLevel and LogFormat configure logrus.
	LogLevel  string `mapstructure:"logLevel" yaml:"logLevel"`
	LogFormat string `mapstructure:"logFormat" yaml:"logFormat"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	bakerHome := filepath.Join(home, ".baker")
	return &Config{
		Home:           home,
		BakerHome:      bakerHome,
		BoxesDir:       filepath.Join(bakerHome, "boxes"),
		MacRuntimeDir:  filepath.Join(home, "Library", "Baker", "BakerForMac"),
		IndexDir:       filepath.Join(bakerHome, "index"),
		AssetsDir:      filepath.Join(bakerHome, "assets"),
		TemplatesDir:   filepath.Join(bakerHome, "templates"),
		IdentityKey:    filepath.Join(bakerHome, "baker_rsa"),
		Namespace:      "baker",
		LibvirtSocket:  "/var/run/libvirt/libvirt-sock",
		ConnectTimeout: 10 * time.Second,
		StartTimeout:   5 * time.Minute,
		Network:        "default",
		BaseImage:      "ubuntu-24.04.qcow2",
		User:           "baker",
		ControlNode:    MachineSize{VCPUs: 1, MemoryMiB: 1024, DiskGB: 20},
		DockerHost:     MachineSize{VCPUs: 2, MemoryMiB: 2048, DiskGB: 40},
		MacSSHPort:     6022,
		ReleaseURL:     "https://github.com/ottomatica/baker-release/releases/download/0.6.0",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds a Config from defaults, the optional config file, BAKER_*
// environment variables and any flags already bound to v.
//
// If v has an explicit config file set it must exist; otherwise
// <home>/.baker/config.yaml is read when present.
func Load(v *viper.Viper) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine home directory: %w", err)
	}
	return LoadWithHome(v, home)
}

// LoadWithHome is Load with an explicit home directory.
func LoadWithHome(v *viper.Viper, home string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	defaults := Default(home)
	if h := v.GetString("home"); h != "" && h != home {
		defaults = Default(h)
	}
	setDefaults(v, defaults)

	explicit := v.ConfigFileUsed() != ""
	if !explicit {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaults.BakerHome)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("home", d.Home)
	v.SetDefault("bakerHome", d.BakerHome)
	v.SetDefault("boxesDir", d.BoxesDir)
	v.SetDefault("macRuntimeDir", d.MacRuntimeDir)
	v.SetDefault("indexDir", d.IndexDir)
	v.SetDefault("assetsDir", d.AssetsDir)
	v.SetDefault("templatesDir", d.TemplatesDir)
	v.SetDefault("identityKey", d.IdentityKey)
	v.SetDefault("namespace", d.Namespace)
	v.SetDefault("libvirtSocket", d.LibvirtSocket)
	v.SetDefault("connectTimeout", d.ConnectTimeout)
	v.SetDefault("startTimeout", d.StartTimeout)
	v.SetDefault("network", d.Network)
	v.SetDefault("baseImage", d.BaseImage)
	v.SetDefault("user", d.User)
	v.SetDefault("controlNode.vcpus", d.ControlNode.VCPUs)
	v.SetDefault("controlNode.memoryMiB", d.ControlNode.MemoryMiB)
	v.SetDefault("controlNode.diskGB", d.ControlNode.DiskGB)
	v.SetDefault("dockerHost.vcpus", d.DockerHost.VCPUs)
	v.SetDefault("dockerHost.memoryMiB", d.DockerHost.MemoryMiB)
	v.SetDefault("dockerHost.diskGB", d.DockerHost.DiskGB)
	v.SetDefault("macSSHPort", d.MacSSHPort)
	v.SetDefault("releaseURL", d.ReleaseURL)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logFormat", d.LogFormat)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home is required")
	}
	if c.BoxesDir == "" {
		return fmt.Errorf("boxesDir is required")
	}
	if c.IndexDir == "" {
		return fmt.Errorf("indexDir is required")
	}
	if c.IdentityKey == "" {
		return fmt.Errorf("identityKey is required")
	}
	if c.Namespace == "" || strings.ContainsAny(c.Namespace, "/ ") {
		return fmt.Errorf("namespace must be a single path element, got %q", c.Namespace)
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("startTimeout must be > 0, got %s", c.StartTimeout)
	}
	for name, size := range map[string]MachineSize{"controlNode": c.ControlNode, "dockerHost": c.DockerHost} {
		if size.VCPUs <= 0 {
			return fmt.Errorf("%s.vcpus must be > 0, got %d", name, size.VCPUs)
		}
		if size.MemoryMiB < 256 {
			return fmt.Errorf("%s.memoryMiB must be >= 256, got %d", name, size.MemoryMiB)
		}
		if size.DiskGB <= 0 {
			return fmt.Errorf("%s.diskGB must be > 0, got %d", name, size.DiskGB)
		}
	}
	if c.MacSSHPort <= 0 || c.MacSSHPort > 65535 {
		return fmt.Errorf("macSSHPort out of range: %d", c.MacSSHPort)
	}
	return nil
}

// MachineName returns the canonical machine name for a role.
func (c *Config) MachineName(role v1alpha1.Role) string {
	switch role {
	case v1alpha1.RoleControlNode:
		return ControlNodeName
	case v1alpha1.RoleDockerHost:
		return DockerHostName
	case v1alpha1.RoleMacHypervisor:
		return MacHypervisorName
	}
	return strings.ToLower(string(role))
}

// WorkDir returns the working directory for a role.
func (c *Config) WorkDir(role v1alpha1.Role) string {
	switch role {
	case v1alpha1.RoleControlNode:
		return filepath.Join(c.BoxesDir, "ansible")
	case v1alpha1.RoleDockerHost:
		return filepath.Join(c.BoxesDir, DockerHostName)
	case v1alpha1.RoleMacHypervisor:
		return c.MacRuntimeDir
	}
	return filepath.Join(c.BoxesDir, c.MachineName(role))
}

// Size returns the hardware shape for a libvirt role.
func (c *Config) Size(role v1alpha1.Role) MachineSize {
	if role == v1alpha1.RoleDockerHost {
		return c.DockerHost
	}
	return c.ControlNode
}

// RemoteDir returns a home-relative path under the remote control directory.
func (c *Config) RemoteDir(parts ...string) string {
	return path.Join(append([]string{c.Namespace}, parts...)...)
}

// ReleaseAsset returns the download URL for a macOS runtime release file.
func (c *Config) ReleaseAsset(name string) string {
	return strings.TrimSuffix(c.ReleaseURL, "/") + "/" + name
}
