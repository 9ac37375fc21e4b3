package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/scheduler"
	"github.com/armadaproject/jobadmit/internal/scheduler/configuration"
	"github.com/armadaproject/jobadmit/internal/scheduler/submit"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submits a job to the configured job store",
		Args:  cobra.NoArgs,
		RunE:  submitJob,
	}
	cmd.Flags().String("type", "", "Job type. Must belong to a configured pool")
	cmd.Flags().String("key", "", "Deduplication key. Jobs sharing a key never run concurrently")
	cmd.Flags().Int64("priority", 0, "Higher priority jobs are admitted first")
	cmd.Flags().String("unit", "", "Unit of the requested resource. Must match the job type's pool if set")
	cmd.Flags().Int64("amount", 0, "Amount of the pool's resource the job needs")
	cmd.Flags().Bool("cancellable", true, "Whether the job may be cancelled once submitted")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func submitJob(cmd *cobra.Command, _ []string) error {
	request, err := requestFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	return withSubmitService(cmd, func(ctx *logctx.Context, service *submit.Service) error {
		ids, err := service.Submit(ctx, request)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ids[0])
		return nil
	})
}

func requestFromFlags(flags *pflag.FlagSet) (submit.Request, error) {
	request := submit.Request{}
	var err error
	if request.Type, err = flags.GetString("type"); err != nil {
		return request, err
	}
	if request.Key, err = flags.GetString("key"); err != nil {
		return request, err
	}
	if request.Priority, err = flags.GetInt64("priority"); err != nil {
		return request, err
	}
	if request.Unit, err = flags.GetString("unit"); err != nil {
		return request, err
	}
	if request.Amount, err = flags.GetInt64("amount"); err != nil {
		return request, err
	}
	cancellable, err := flags.GetBool("cancellable")
	if err != nil {
		return request, err
	}
	request.Cancellable = &cancellable
	return request, nil
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Requests cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE:  cancelJob,
	}
	cmd.Flags().String("requestedBy", "jobadmit-cli", "Who is asking for the cancellation")
	return cmd
}

func cancelJob(cmd *cobra.Command, args []string) error {
	requestedBy, err := cmd.Flags().GetString("requestedBy")
	if err != nil {
		return err
	}
	return withSubmitService(cmd, func(ctx *logctx.Context, service *submit.Service) error {
		requested, err := service.Cancel(ctx, args[0], requestedBy)
		if err != nil {
			return err
		}
		if requested {
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation of %s requested\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s cannot be cancelled\n", args[0])
		}
		return nil
	})
}

// withSubmitService opens the configured stores and calls f with a service writing to them.
func withSubmitService(cmd *cobra.Command, f func(*logctx.Context, *submit.Service) error) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := logctx.Background()
	if config.StoreBackend == configuration.BackendMemory {
		ctx.Log.Warn("The memory job store is not shared with a running scheduler")
	}
	stores, err := scheduler.OpenStores(ctx, config)
	if err != nil {
		return err
	}
	defer stores.Close()
	clk := clock.RealClock{}
	registry, err := scheduler.NewRegistry(config.Pools, scheduler.NewExecutorBackend(config.Executor, clk))
	if err != nil {
		return err
	}
	return f(ctx, submit.NewService(stores.Jobs, registry, clk))
}
