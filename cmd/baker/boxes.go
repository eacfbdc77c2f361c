package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jbweber/baker/internal/loader"
	"github.com/jbweber/baker/internal/naming"
	"github.com/jbweber/baker/internal/output"
	"github.com/jbweber/baker/internal/template"
	"github.com/jbweber/baker/internal/workspace"
)

var (
	outputFormat string
	noHeaders    bool

	initName   string
	initIP     string
	initMemory int
	initCPUs   int
	initForce  bool
)

func init() {
	for _, c := range []*cobra.Command{boxesCmd, statusCmd} {
		c.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
		c.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")
	}

	initCmd.Flags().StringVar(&initName, "name", "", "workload name (default: current directory name)")
	initCmd.Flags().StringVar(&initIP, "ip", "", "static IP for the workload VM")
	initCmd.Flags().IntVar(&initMemory, "memory", 1024, "workload VM memory in MiB")
	initCmd.Flags().IntVar(&initCPUs, "cpus", 1, "workload VM vCPUs")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing baker.yml")
}

func newFormatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{Format: output.Format(outputFormat), NoHeaders: noHeaders})
}

var boxesCmd = &cobra.Command{
	Use:   "boxes",
	Short: "List installed Baker machines",
	Long: `List the machines recorded in the Baker machine index.

The index records what Baker installed; use status to see what is actually
running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter()
		if err != nil {
			return err
		}
		s, err := openSession(context.Background(), libvirtNone)
		if err != nil {
			return err
		}
		defer s.Close()

		recs, err := s.orch.Machines(cmd.Context())
		if err != nil {
			return err
		}
		out, err := f.FormatMachineList(recs)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every Baker machine",
	Long: `Query the provider for each infrastructure role (mac runtime, control node,
docker host) and show its state next to its machine index entry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFormatter()
		if err != nil {
			return err
		}
		ctx := context.Background()
		s, err := openSession(ctx, libvirtOptional)
		if err != nil {
			return err
		}
		defer s.Close()

		rows, err := s.orch.Status(ctx)
		if err != nil {
			return err
		}
		out, err := f.FormatStatus(rows)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a baker.yml for a workload",
	Long:  `Initialize a new Baker workload by writing a baker.yml into dir (default: current directory).`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		dir, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", dir, err)
		}

		name := initName
		if name == "" {
			name = filepath.Base(dir)
		}
		if err := naming.ValidateName(name); err != nil {
			return err
		}

		ws := workspace.New(log, nil)
		target := filepath.Join(dir, loader.BakerFile)
		exists, err := ws.Exists(target)
		if err != nil {
			return err
		}
		if exists && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", target)
		}

		doc, err := template.NewRenderer(cfg.TemplatesDir).Render(template.BakerDoc, map[string]any{
			"name":   name,
			"ip":     initIP,
			"memory": initMemory,
			"cpus":   initCPUs,
		})
		if err != nil {
			return err
		}
		if err := ws.EnsureDir(dir); err != nil {
			return err
		}
		if err := ws.WriteFile(target, []byte(doc), 0o644); err != nil {
			return err
		}
		if _, err := loader.LoadBakerDoc(dir); err != nil {
			_ = os.Remove(target)
			return fmt.Errorf("generated baker.yml is invalid: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Created %s\n", target)
		return nil
	},
}
