package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jbweber/baker/internal/vm"
)

var (
	setupMacRuntime     bool
	reinstallMacRuntime bool
	dockerHostName      string
)

func init() {
	setupCmd.Flags().BoolVar(&setupMacRuntime, "mac-runtime", runtime.GOOS == "darwin",
		"install the BakerForMac hypervisor runtime instead of the libvirt control node")
	reinstallCmd.Flags().BoolVar(&reinstallMacRuntime, "mac-runtime", false,
		"reinstall the BakerForMac hypervisor runtime")
	dockerHostCmd.Flags().StringVar(&dockerHostName, "name", "",
		"use an existing machine as the docker host instead of docker-srv")
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Install and start the Baker control node",
	Long: `Install the Baker control node if it does not exist and make sure it is
running. Running setup again is safe: an installed, running control node is
left untouched.

On macOS (or with --mac-runtime) the BakerForMac hypervisor runtime is set
up instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if setupMacRuntime {
			return runMachine(cmd, libvirtNone, "BakerForMac runtime", (*vm.Orchestrator).EnsureMacRuntime)
		}
		return runMachine(cmd, libvirtRequired, "Baker control node", (*vm.Orchestrator).EnsureControlNode)
	},
}

var reinstallCmd = &cobra.Command{
	Use:   "reinstall",
	Short: "Delete and reinstall the Baker control node",
	Long: `Delete the control node (or with --mac-runtime the BakerForMac runtime),
remove it from the machine index and install it again.

If the new install fails the old machine is already gone; run setup again
once the problem is fixed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if reinstallMacRuntime {
			return runMachine(cmd, libvirtNone, "BakerForMac runtime", (*vm.Orchestrator).ReinstallMacRuntime)
		}
		return runMachine(cmd, libvirtRequired, "Baker control node", (*vm.Orchestrator).ReinstallControlNode)
	},
}

var dockerHostCmd = &cobra.Command{
	Use:   "docker-host",
	Short: "Install and start the shared docker host",
	Long: `Install the docker-srv machine if it does not exist and make sure it is
running. The control node must already be installed: docker is configured
from there.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMachine(cmd, dockerHostMode(dockerHostName), "Docker host", func(o *vm.Orchestrator, ctx context.Context) (*vm.Handle, error) {
			return o.EnsureDockerHost(ctx, dockerHostName)
		})
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare <path>",
	Short: "Stage a workload on the control node",
	Long: `Copy the workload at <path> (a directory containing baker.yml) to
~/<namespace>/<name>/ on the control node, starting the control node first if
it is stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", args[0], err)
		}
		return runMachine(cmd, libvirtRequired, "Baker control node", func(o *vm.Orchestrator, ctx context.Context) (*vm.Handle, error) {
			return o.PrepareForWorkload(ctx, path)
		})
	},
}

// dockerHostMode skips libvirt when an external docker host is named.
func dockerHostMode(customName string) libvirtMode {
	if customName != "" {
		return libvirtNone
	}
	return libvirtRequired
}
