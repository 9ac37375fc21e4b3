package scheduler

import (
	"github.com/hashicorp/go-multierror"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/logging"
	"github.com/armadaproject/jobadmit/internal/common/pointer"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/executor"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// dispatch hands READY jobs to their execution backend and records the handle. A failed dispatch counts as an
// attempt: the job is requeued, releasing its reservation, or failed once the retry budget is spent.
func (s *Scheduler) dispatch(ctx *logctx.Context, shard task.Shard) error {
	jobs, err := s.findOwned(ctx, database.JobFilter{
		States:          pointer.Pointer(database.OnlyState(jobdb.ReadyForExecution)),
		HasHandle:       pointer.Pointer(false),
		CancelRequested: pointer.Pointer(false),
	}, shard)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, job := range jobs {
		if err := checkStopped(ctx); err != nil {
			return err
		}
		if err := s.dispatchJob(logctx.WithLogField(ctx, "jobId", job.Id), job); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Scheduler) dispatchJob(ctx *logctx.Context, job *jobdb.Job) error {
	backend, err := s.registry.BackendFor(job.Type)
	if err != nil {
		return err
	}
	handle, err := backend.Dispatch(ctx, job)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Dispatch failed")
		_, err = s.retry(ctx, dispatchLoop, job, "dispatch failed: "+err.Error())
		return err
	}
	dispatched, err := job.Dispatch(handle, s.now())
	if err != nil {
		return err
	}
	ok, err := s.update(ctx, dispatchLoop, job, dispatched)
	if err != nil || ok {
		return err
	}
	return s.abandonDispatch(ctx, backend, job, handle)
}

// abandonDispatch cancels a dispatch whose handle could not be recorded because the job changed underneath us.
// Dispatch is idempotent per admission, so if the job is still waiting under the same admission the next
// iteration gets the same handle back and nothing needs undoing.
func (s *Scheduler) abandonDispatch(ctx *logctx.Context, backend executor.Backend, job *jobdb.Job, handle string) error {
	current, err := s.repo.GetById(ctx, job.Id)
	if err != nil {
		return err
	}
	if current.State == jobdb.ReadyForExecution && current.Admissions == job.Admissions && !current.IsCancelRequested() {
		return nil
	}
	if current.ExecutionHandle == handle {
		return nil
	}
	ctx.Log.Infof("Cancelling orphaned dispatch %s", handle)
	if err := backend.Cancel(ctx, handle); err != nil && !executor.IsUnknownHandle(err) {
		return err
	}
	return nil
}
