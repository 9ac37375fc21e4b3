package scheduler

import (
	"github.com/hashicorp/go-multierror"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/pointer"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/executor"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// Dispatched and running jobs, i.e. those with an execution handle.
var executingStates = database.StateRange{From: jobdb.Dispatched, To: jobdb.FirstTerminalState - 1}

// revertScheduling returns READY jobs that were never dispatched within the dispatch deadline to QUEUED,
// releasing their reservation so they re-enter admission. This does not count as an attempt.
func (s *Scheduler) revertScheduling(ctx *logctx.Context, shard task.Shard) error {
	now := s.now()
	jobs, err := s.findOwned(ctx, database.JobFilter{
		States:         pointer.Pointer(database.OnlyState(jobdb.ReadyForExecution)),
		HasHandle:      pointer.Pointer(false),
		ProgressBefore: now.Add(-s.settings.DispatchDeadline),
	}, shard)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, job := range jobs {
		if err := checkStopped(ctx); err != nil {
			return err
		}
		reverted, err := job.Requeue(now)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		ctx.Log.WithField("jobId", job.Id).Infof("Not dispatched within %s; reverting", s.settings.DispatchDeadline)
		if _, err := s.update(ctx, revertSchedulingLoop, job, reverted); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// reset retries dispatched and running jobs that have made no progress within the reset timeout. The stalled
// execution is cancelled only once the retry is recorded; if the job changed underneath us it is left alone.
func (s *Scheduler) reset(ctx *logctx.Context, shard task.Shard) error {
	jobs, err := s.findOwned(ctx, database.JobFilter{
		States:         &executingStates,
		ProgressBefore: s.now().Add(-s.settings.ResetTimeout),
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
		ok, err := s.retry(jobCtx, resettingLoop, job, "no progress within "+s.settings.ResetTimeout.String())
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.cancelExecution(jobCtx, job); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// cancelExecution cancels a job's dispatch, if it has one. A handle the backend no longer knows is already gone.
func (s *Scheduler) cancelExecution(ctx *logctx.Context, job *jobdb.Job) error {
	if !job.HasExecutionHandle() {
		return nil
	}
	backend, err := s.registry.BackendFor(job.Type)
	if err != nil {
		return err
	}
	err = backend.Cancel(ctx, job.ExecutionHandle)
	if executor.IsUnknownHandle(err) {
		ctx.Log.Debugf("Execution %s is already gone", job.ExecutionHandle)
		return nil
	}
	return err
}
