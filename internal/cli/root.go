// Package cli holds the cobra commands of the alt binary.
package cli

import (
	"fmt"
	"os"

	"github.com/machinefabric/altport-go/internal/config"
	"github.com/machinefabric/altport-go/internal/logger"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string

	appConfig *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "alt",
	Short: "alt runs palette extensions in isolated workers",
	Long: `alt hosts palette extensions. Each command execution runs in its own
worker process and talks to the host over a message port.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := logger.Initialize(&cfg.Log); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		appConfig = cfg
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.CloseGlobal()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (default: ./config.yaml, ~/.altport/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level")
}
