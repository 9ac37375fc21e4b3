package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/scheduler"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes finished jobs from the job store",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Duration(
		"expireAfter",
		0,
		"Length of time after completion that jobs will be removed. Defaults to the configured retention")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if expireAfter == 0 {
		expireAfter = config.Retention
	}

	ctx, cancel := logctx.WithTimeout(logctx.Background(), timeout)
	defer cancel()
	stores, err := scheduler.OpenStores(ctx, config)
	if err != nil {
		return err
	}
	defer stores.Close()
	_, err = scheduler.PruneDb(ctx, stores.Jobs, expireAfter, config.Billing.Enabled(), clock.RealClock{})
	return err
}
