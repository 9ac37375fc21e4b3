package scheduler

import (
	"github.com/hashicorp/go-multierror"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/pointer"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
)

// cancel acts on recorded cancellation requests: the execution, if any, is cancelled on the backend and the job
// moves to CANCELLED, releasing its reservation. Jobs that are not cancellable never carry a request.
func (s *Scheduler) cancel(ctx *logctx.Context, shard task.Shard) error {
	jobs, err := s.findOwned(ctx, database.JobFilter{
		States:          &database.NonTerminalStates,
		CancelRequested: pointer.Pointer(true),
	}, shard)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, job := range jobs {
		if err := checkStopped(ctx); err != nil {
			return err
		}
		if !job.Cancellation.Cancellable {
			continue
		}
		jobCtx := logctx.WithLogField(ctx, "jobId", job.Id)
		if err := s.cancelExecution(jobCtx, job); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		cancelled, err := job.Cancel(s.now())
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		jobCtx.Log.Infof("Cancelling job at the request of %s", job.Cancellation.RequestedBy)
		if _, err := s.update(jobCtx, cancellationLoop, job, cancelled); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
