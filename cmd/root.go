// Package cmd defines and implements the CLI commands for the mbharvest
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bathyscape/mbharvest/internal/app"
	"github.com/bathyscape/mbharvest/internal/config"
	"github.com/bathyscape/mbharvest/internal/harvest"
)

var (
	cfgFile   string
	regionArg string
	regionDir string
	outputDir string
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can replace
// it with a fake.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

// loadConfig reads the config file, applies flag overrides and validates the
// result. Configuration errors abort before any network activity.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, harvest.NewConfigError("load configuration", err)
	}
	if regionArg != "" {
		cfg.Harvest.Region = regionArg
	}
	if regionDir != "" {
		cfg.Harvest.RegionDir = regionDir
	}
	if outputDir != "" {
		cfg.Harvest.OutputDir = outputDir
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, harvest.NewConfigError("invalid configuration", err)
	}
	return cfg, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mbharvest",
		Short: "Incremental harvester for multibeam sonar survey archives.",
		Long: `mbharvest discovers multibeam survey archives published by a remote
ship-data catalog, restricted to operator-defined regions, downloads files it
has not seen before, tracks state in a durable ledger and hands new data to
an external processing pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed but before the subcommand's RunE, so
		// the service container is ready for every subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&regionArg, "region", "", "region name to harvest (default: all loaded regions)")
	cmd.PersistentFlags().StringVar(&regionDir, "region-dir", "", "directory of region GeoJSON files")
	cmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "directory where downloaded archives land")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newRegionsCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
