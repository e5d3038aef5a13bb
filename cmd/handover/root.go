package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/common"
)

var (
	// Command-line flags
	configFiles []string
	logLevel    string
	headless    bool

	// Global state, set by loadConfig before any subcommand runs
	config *common.Config
	logger arbor.ILogger
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "handover",
		Short:         "Accept Google Drive ownership transfers for an automation account",
		Long:          "handover polls the automation account's mailbox for ownership-transfer invitations, accepts them through the Drive web UI and reports files whose ownership was never transferred.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return loadConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	flags.StringVar(&logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")
	flags.BoolVar(&headless, "headless", true, "Run the browser headless")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newPollCmd(),
		newAuthCmd(),
		newTasksCmd(),
		newReportsCmd(),
		newDriveCmd(),
		newGroupsCmd(),
	)

	return rootCmd
}

// loadConfig runs the startup sequence: defaults -> files -> env -> flags,
// then validation and logger setup
func loadConfig(cmd *cobra.Command) error {
	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("handover.toml"); err == nil {
			configFiles = append(configFiles, "handover.toml")
		} else if _, err := os.Stat("deployments/local/handover.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/handover.toml")
		}
	}

	cfg, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var headlessOverride *bool
	if cmd.Flags().Changed("headless") {
		headlessOverride = &headless
	}
	common.ApplyFlagOverrides(cfg, logLevel, headlessOverride)

	if err := cfg.Validate(); err != nil {
		return err
	}

	config = cfg
	logger = common.SetupLogger(config)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Str("badger_path", config.Storage.Badger.Path).
		Str("log_level", config.Logging.Level).
		Msg("Resolved configuration")

	return nil
}
