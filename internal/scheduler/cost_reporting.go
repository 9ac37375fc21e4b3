package scheduler

import (
	"github.com/hashicorp/go-multierror"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/pointer"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
)

// reportCosts hands the consumption of finished jobs to billing and then flags them as reported. Reporters
// tolerate seeing a job twice, which happens if the flag cannot be written.
func (s *Scheduler) reportCosts(ctx *logctx.Context, shard task.Shard) error {
	jobs, err := s.findOwned(ctx, database.JobFilter{
		States:       &database.TerminalStates,
		CostReported: pointer.Pointer(false),
	}, shard)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, job := range jobs {
		if err := checkStopped(ctx); err != nil {
			return err
		}
		jobCtx := logctx.WithLogField(ctx, "jobId", job.Id)
		if err := s.reporter.Report(jobCtx, job); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		reported, err := job.MarkCostReported()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, err := s.update(jobCtx, costReportingLoop, job, reported); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
