package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/baker/api/v1alpha1"
	"github.com/jbweber/baker/internal/libvirt"
	"github.com/jbweber/baker/internal/storage"
)

var imagePool string

func init() {
	imageCmd.PersistentFlags().StringVar(&imagePool, "pool", v1alpha1.DefaultImagePool, "storage pool holding base images")
	imageCmd.AddCommand(imageImportCmd)
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imageDeleteCmd)
}

// withLibvirt connects to the daemon for the duration of fn.
func withLibvirt(fn func(ctx context.Context, client *libvirt.Client) error) error {
	ctx := context.Background()
	client, err := libvirt.Connect(ctx, cfg.LibvirtSocket, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
		}
	}()
	return fn(ctx, client)
}

func imageManager(client *libvirt.Client) *storage.Manager {
	return storage.NewManager(client.Libvirt(), storage.DefaultPoolRoot, log)
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Testing libvirt connection...")

		return withLibvirt(func(_ context.Context, client *libvirt.Client) error {
			fmt.Fprintln(out, "✓ Connected to libvirt daemon")
			if err := client.Ping(); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			info, err := client.Info()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Libvirt version: %s\n", info.LibVersion)
			fmt.Fprintf(out, "✓ Hypervisor hostname: %s\n", info.Hostname)
			fmt.Fprintf(out, "✓ Connection URI: %s\n", info.URI)
			fmt.Fprintln(out, "\nConnection test successful!")
			return nil
		})
	},
}

// Image management commands
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage base images",
	Long: `Manage the base OS images Baker machines are layered on.

Boot disks are created as copy-on-write overlays of the image named by the
baseImage setting, so it must be imported before the first setup.`,
}

var imageImportCmd = &cobra.Command{
	Use:   "import <source-path> [name]",
	Short: "Import a base image",
	Long: `Upload a local qcow2 or raw image into the image pool.

The name defaults to the source file name; the extension is adjusted to match
the detected format.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := args[0]
		name := filepath.Base(src)
		if len(args) == 2 {
			name = args[1]
		}
		return withLibvirt(func(ctx context.Context, client *libvirt.Client) error {
			mgr := imageManager(client)
			if err := mgr.EnsurePools(ctx, imagePool); err != nil {
				return err
			}
			volume, err := mgr.ImportImage(ctx, imagePool, src, name)
			if err != nil {
				return fmt.Errorf("failed to import image: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %s as %s/%s\n", src, imagePool, volume)
			return nil
		})
	},
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List base images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLibvirt(func(ctx context.Context, client *libvirt.Client) error {
			mgr := imageManager(client)
			if err := mgr.EnsurePools(ctx, imagePool); err != nil {
				return err
			}
			vols, err := mgr.ListVolumes(ctx, imagePool)
			if err != nil {
				return fmt.Errorf("failed to list images: %w", err)
			}
			if len(vols) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No images found in pool %s\n", imagePool)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tCAPACITY\tALLOCATED\tPATH")
			for _, vol := range vols {
				_, _ = fmt.Fprintf(w, "%s\t%.1fGB\t%.1fGB\t%s\n", vol.Name, vol.CapacityGB(), vol.AllocationGB(), vol.Path)
			}
			return w.Flush()
		})
	},
}

var imageDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a base image",
	Long: `Delete a base image from the image pool.

Machines whose boot disks are layered on the image stop working; reinstall
them after importing a replacement.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLibvirt(func(ctx context.Context, client *libvirt.Client) error {
			if err := imageManager(client).DeleteVolume(ctx, imagePool, args[0]); err != nil {
				return fmt.Errorf("failed to delete image: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s/%s\n", imagePool, args[0])
			return nil
		})
	},
}
