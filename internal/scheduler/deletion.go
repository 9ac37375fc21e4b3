package scheduler

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
)

// deleteExpired purges terminal jobs past the retention window. When billing is enabled, jobs whose cost has
// not been reported yet are kept.
func (s *Scheduler) deleteExpired(ctx *logctx.Context, _ task.Shard) error {
	deleted, err := PruneDb(ctx, s.repo, s.settings.Retention, s.reporter != nil, s.clock)
	s.metrics.deleted.Add(float64(deleted))
	return err
}

// PruneDb removes terminal jobs whose last transition is more than keepAfterCompletion in the past.
// Stores may delete in batches, so a failure part way through can leave some jobs deleted.
func PruneDb(ctx *logctx.Context, repo database.JobRepository, keepAfterCompletion time.Duration, requireReported bool, clock clock.Clock) (int64, error) {
	start := clock.Now()
	cutOff := start.UTC().Add(-keepAfterCompletion)
	deleted, err := repo.DeleteTerminalBefore(ctx, cutOff, requireReported)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		ctx.Log.Infof("Deleted %d jobs that finished before %s in %s", deleted, cutOff.Format(time.RFC3339), clock.Since(start))
	} else {
		ctx.Log.Debugf("Found no jobs that finished before %s", cutOff.Format(time.RFC3339))
	}
	return deleted, nil
}
