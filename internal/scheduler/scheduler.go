package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/scheduler/admission"
	"github.com/armadaproject/jobadmit/internal/scheduler/billing"
	"github.com/armadaproject/jobadmit/internal/scheduler/configuration"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
	"github.com/armadaproject/jobadmit/internal/scheduler/leader"
)

// Loop names, also used as metric labels and lease names.
const (
	schedulingLoop       = "scheduling"
	dispatchLoop         = "dispatch"
	revertSchedulingLoop = "revertScheduling"
	cancellationLoop     = "cancellation"
	statusLoop           = "status"
	resettingLoop        = "resetting"
	deletionLoop         = "deletion"
	costReportingLoop    = "costReporting"
	recoveryLoop         = "recovery"
)

// Settings are the deadlines and budgets the loops work to.
type Settings struct {
	// READY jobs without a handle for longer than this are reverted to QUEUED.
	DispatchDeadline time.Duration
	// Dispatched or running jobs without progress for longer than this are reset.
	ResetTimeout time.Duration
	// Number of attempts before a job is failed.
	MaxAttempts int
	// Terminal jobs are deleted this long after their last transition.
	Retention time.Duration
	// Maximum number of jobs a loop reads per iteration.
	BatchSize int
}

// Scheduler holds the bodies of the control loops. It has no mutable state of its own: every loop reads from
// the job store and writes back with conditional updates, so any number of loops and instances can run at once.
type Scheduler struct {
	repo     database.JobRepository
	registry *jobtype.Registry
	admitter *admission.GpuBoundAdmitter
	// Gates the recovery loop so that only one instance reconciles at a time.
	recoveryGate *leader.Gate
	// Nil if billing is disabled.
	reporter billing.Reporter
	settings Settings
	clock    clock.Clock
	metrics  *Metrics
}

func NewScheduler(
	repo database.JobRepository,
	registry *jobtype.Registry,
	recoveryGate *leader.Gate,
	reporter billing.Reporter,
	settings Settings,
	clock clock.Clock,
	metrics *Metrics,
) *Scheduler {
	return &Scheduler{
		repo:         repo,
		registry:     registry,
		admitter:     admission.NewGpuBoundAdmitter(repo, registry, clock, settings.BatchSize),
		recoveryGate: recoveryGate,
		reporter:     reporter,
		settings:     settings,
		clock:        clock,
		metrics:      metrics,
	}
}

// Loops returns the control loops to run, configured from config. The cost reporting loop is only included
// when a billing reporter is set.
func (s *Scheduler) Loops(config configuration.LoopsConfig) []task.Loop {
	loop := func(name string, c configuration.LoopConfig, body func(*logctx.Context, task.Shard) error) task.Loop {
		return task.Loop{Name: name, Interval: c.Interval, Workers: c.Workers, Body: body}
	}
	loops := []task.Loop{
		loop(schedulingLoop, config.Scheduling, s.schedule),
		loop(dispatchLoop, config.Dispatch, s.dispatch),
		loop(revertSchedulingLoop, config.RevertScheduling, s.revertScheduling),
		loop(cancellationLoop, config.Cancellation, s.cancel),
		loop(statusLoop, config.Status, s.pollStatus),
		loop(resettingLoop, config.Resetting, s.reset),
		loop(deletionLoop, config.Deletion, s.deleteExpired),
		loop(recoveryLoop, config.Recovery, s.recover),
	}
	if s.reporter != nil {
		loops = append(loops, loop(costReportingLoop, config.CostReporting, s.reportCosts))
	}
	return loops
}

// update writes updated over job. A lost race is not an error: it is logged, counted and reported as false.
func (s *Scheduler) update(ctx *logctx.Context, loop string, job *jobdb.Job, updated *jobdb.Job) (bool, error) {
	_, err := s.repo.Update(ctx, job, updated)
	if schedulererrors.IsRaceLost(err) {
		ctx.Log.WithError(err).Debugf("Job %s changed concurrently; skipping", job.Id)
		s.metrics.recordRaceLost(loop)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if updated.State != job.State {
		ctx.Log.WithField("jobId", job.Id).Infof("%s -> %s", job.State, updated.State)
		s.metrics.recordTransition(loop, updated.State)
	}
	return true, nil
}

// findOwned returns up to a batch of jobs matching filter, keeping only those belonging to shard.
func (s *Scheduler) findOwned(ctx *logctx.Context, filter database.JobFilter, shard task.Shard) ([]*jobdb.Job, error) {
	jobs, err := s.repo.Find(ctx, filter, s.settings.BatchSize)
	if err != nil {
		return nil, err
	}
	owned := jobs[:0]
	for _, job := range jobs {
		if shard.Owns(job.Id) {
			owned = append(owned, job)
		}
	}
	return owned, nil
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

// retry counts a failed attempt against job, requeueing it or failing it once the retry budget is spent. It
// reports whether the change was recorded.
func (s *Scheduler) retry(ctx *logctx.Context, loop string, job *jobdb.Job, reason string) (bool, error) {
	updated, err := job.Retry(s.now(), s.settings.MaxAttempts)
	if err != nil {
		return false, err
	}
	if updated.State == jobdb.Failed {
		ctx.Log.WithField("jobId", job.Id).Warnf("Failing job after %d attempts: %s", updated.Attempts, reason)
	} else {
		ctx.Log.WithField("jobId", job.Id).Infof("Requeueing job after attempt %d: %s", updated.Attempts, reason)
	}
	return s.update(ctx, loop, job, updated)
}

// checkStopped aborts an iteration early on shutdown.
func checkStopped(ctx *logctx.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
