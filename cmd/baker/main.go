package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/baker/internal/config"
	"github.com/jbweber/baker/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	cfgFile string

	// set by loadConfig before any subcommand runs
	v   = viper.New()
	cfg *config.Config
	log *logrus.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "baker",
	Short: "Baker - local development boxes on libvirt",
	Long: `Baker provisions and manages local development virtual machines.

It keeps a configuration-management control node and a shared docker host
running under libvirt (or the BakerForMac runtime on macOS), and stages
workloads on the control node so they can be provisioned from there.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.baker/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	_ = v.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(reinstallCmd)
	rootCmd.AddCommand(dockerHostCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(boxesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(testConnCmd)
	rootCmd.AddCommand(imageCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	c, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = c
	log = logging.Configure(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log.Debugf("Using baker home %s", cfg.BakerHome)
	return nil
}
