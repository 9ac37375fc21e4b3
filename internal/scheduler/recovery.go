package scheduler

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/pointer"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/executor"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
)

// recover reconciles reservation accounting against the execution backend. Only the instance holding the
// recovery lease does the work.
func (s *Scheduler) recover(ctx *logctx.Context, _ task.Shard) error {
	ran, err := s.recoveryGate.Do(ctx, s.reconcile)
	if !ran && err == nil {
		ctx.Log.Debug("Recovery lease held elsewhere; skipping")
	}
	return err
}

// reconcile trusts the execution backend as ground truth. In order it:
//   - releases reservations still held by terminal or queued jobs,
//   - requeues executing jobs whose execution the backend no longer knows, and applies terminal states the
//     status loop has not caught up with,
//   - reverts the most recently admitted undispatched jobs of any pool that is over capacity.
func (s *Scheduler) reconcile(ctx *logctx.Context) error {
	var errs *multierror.Error
	for reason, states := range map[string]database.StateRange{
		"terminal": database.TerminalStates,
		"queued":   database.QueuedStates,
	} {
		released, err := s.repo.ReleaseReservations(ctx, states)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if released > 0 {
			ctx.Log.Warnf("Released %d reservations held by %s jobs", released, reason)
			s.metrics.drift.WithLabelValues(reason).Add(float64(released))
		}
	}
	if err := s.reconcileExecutions(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.reconcileCapacity(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (s *Scheduler) reconcileExecutions(ctx *logctx.Context) error {
	jobs, err := s.repo.Find(ctx, database.JobFilter{
		States:    &executingStates,
		HasHandle: pointer.Pointer(true),
	}, s.settings.BatchSize)
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
			s.metrics.drift.WithLabelValues("orphaned").Inc()
			if _, err := s.retry(jobCtx, recoveryLoop, job, "execution "+job.ExecutionHandle+" no longer exists"); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !status.State.IsTerminal() {
			continue
		}
		updated, _, err := applyStatus(job, status, s.now())
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, err := s.update(jobCtx, recoveryLoop, job, updated); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Scheduler) reconcileCapacity(ctx *logctx.Context) error {
	reservedByPool, err := s.admitter.ReservedByPool(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, pool := range s.registry.Pools() {
		reserved := reservedByPool[pool.Name]
		if !pool.Metered() || reserved <= pool.Capacity {
			continue
		}
		exceeded := &schedulererrors.ErrCapacityExceeded{Pool: pool.Name, Capacity: pool.Capacity, Reserved: reserved}
		ctx.Log.WithError(exceeded).Warn("Pool is over-admitted; reverting undispatched jobs")
		if err := s.shedReservations(logctx.WithLogField(ctx, "pool", pool.Name), pool, reserved); err != nil {
			errs = multierror.Append(errs, errors.WithMessagef(err, "pool %s", pool.Name))
		}
	}
	return errs.ErrorOrNil()
}

// shedReservations requeues READY jobs of pool that have not been dispatched, most recently admitted first,
// until the pool's reservations fit its capacity again.
func (s *Scheduler) shedReservations(ctx *logctx.Context, pool jobtype.Pool, reserved int64) error {
	jobs, err := s.repo.Find(ctx, database.JobFilter{
		Types:         s.registry.TypesInPool(pool.Name),
		States:        pointer.Pointer(database.OnlyState(jobdb.ReadyForExecution)),
		ResourceState: pointer.Pointer(jobdb.ResourceReserved),
		HasHandle:     pointer.Pointer(false),
	}, 0)
	if err != nil {
		return err
	}
	slices.SortStableFunc(jobs, func(a, b *jobdb.Job) bool {
		return a.LastProgressTime.After(b.LastProgressTime)
	})
	now := s.now()
	for _, job := range jobs {
		if reserved <= pool.Capacity {
			break
		}
		reverted, err := job.Requeue(now)
		if err != nil {
			return err
		}
		ok, err := s.update(ctx, recoveryLoop, job, reverted)
		if err != nil {
			return err
		}
		if ok {
			reserved -= job.RequestedAmount()
			s.metrics.drift.WithLabelValues("overAdmitted").Inc()
		}
	}
	if reserved > pool.Capacity {
		ctx.Log.Warnf("Pool still over capacity after reverting undispatched jobs: %d of %d reserved", reserved, pool.Capacity)
	}
	return nil
}
