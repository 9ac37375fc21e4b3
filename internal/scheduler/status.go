package scheduler

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/pointer"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/executor"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// pollStatus copies the backend's view of every executing job onto the job: progress, consumption and state.
// Handles the backend no longer knows are left for the recovery loop.
func (s *Scheduler) pollStatus(ctx *logctx.Context, shard task.Shard) error {
	jobs, err := s.findOwned(ctx, database.JobFilter{
		States:    &executingStates,
		HasHandle: pointer.Pointer(true),
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
		status, err := s.queryStatus(jobCtx, job)
		if executor.IsUnknownHandle(err) {
			jobCtx.Log.Debugf("Backend does not know execution %s", job.ExecutionHandle)
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		updated, changed, err := applyStatus(job, status, s.now())
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		if _, err := s.update(jobCtx, statusLoop, job, updated); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Scheduler) queryStatus(ctx *logctx.Context, job *jobdb.Job) (executor.Status, error) {
	backend, err := s.registry.BackendFor(job.Type)
	if err != nil {
		return executor.Status{}, err
	}
	return backend.QueryStatus(ctx, job.ExecutionHandle)
}

// applyStatus returns job updated with status. The boolean reports whether anything changed.
// A cancellation the job did not ask for is recorded as a failure.
func applyStatus(job *jobdb.Job, status executor.Status, now time.Time) (*jobdb.Job, bool, error) {
	updated, changed := job.WithProgress(status.Steps, status.Consumed, now)
	if status.State == job.State {
		return updated, changed, nil
	}
	var err error
	switch status.State {
	case jobdb.Running:
		updated, err = updated.MarkRunning(now)
	case jobdb.Completed:
		updated, err = updated.Complete(now)
	case jobdb.Failed:
		updated, err = updated.Fail(now)
	case jobdb.Cancelled:
		if updated.IsCancelRequested() && updated.Cancellation.Cancellable {
			updated, err = updated.Cancel(now)
		} else {
			updated, err = updated.Fail(now)
		}
	default:
		// Backends report nothing earlier than Dispatched, and a running job never goes back to Dispatched.
		return updated, changed, nil
	}
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}
