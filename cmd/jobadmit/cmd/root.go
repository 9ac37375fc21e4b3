package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobadmit/internal/common"
	"github.com/armadaproject/jobadmit/internal/common/logging"
	schedulerconfig "github.com/armadaproject/jobadmit/internal/scheduler/configuration"
)

const (
	customConfigLocation = "config"
	defaultConfigPath    = "./config/jobadmit"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobadmit",
		SilenceUsage: true,
		Short:        "Admits, dispatches and tracks resource-bound jobs",
	}

	cmd.PersistentFlags().StringSlice(
		customConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
		submitCmd(),
		cancelCmd(),
	)

	return cmd
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig(cmd *cobra.Command) (schedulerconfig.Configuration, error) {
	var config schedulerconfig.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(customConfigLocation)
	if err != nil {
		return config, err
	}
	if _, err := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	return config, logging.Configure(config.Logging)
}
