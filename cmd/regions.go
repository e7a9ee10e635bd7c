package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bathyscape/mbharvest/internal/region"
)

// newRegionsCmd creates the 'regions' subcommand, which lists the regions
// loadable from the configured region directory.
func newRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List the configured harvest regions",
		RunE:  runRegionsCommand,
	}
}

func runRegionsCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()

	regions, err := region.Load(cfg.Harvest.RegionDir, appInstance.Logger())
	if err != nil {
		return err
	}

	for _, name := range regions.Names() {
		env, err := regions.Envelope(name)
		if err != nil {
			return err
		}
		cmd.Printf("%-32s xmin=%.4f ymin=%.4f xmax=%.4f ymax=%.4f\n",
			name, env.XMin, env.YMin, env.XMax, env.YMax)
	}
	return nil
}
