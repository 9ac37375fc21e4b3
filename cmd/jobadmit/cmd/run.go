package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobadmit/internal/scheduler"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the control loops",
		RunE:  runScheduler,
	}
	return cmd
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return scheduler.Run(config)
}
