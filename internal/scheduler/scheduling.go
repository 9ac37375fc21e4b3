package scheduler

import (
	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/slices"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// schedule runs one admission pass. Admission is a whole-backlog decision, so every worker runs it in full and
// conditional writes keep concurrent passes from admitting a job twice.
func (s *Scheduler) schedule(ctx *logctx.Context, _ task.Shard) error {
	result, err := s.admitter.Admit(ctx)
	if result == nil {
		return err
	}
	for _, pool := range s.registry.Pools() {
		s.metrics.recordPool(pool.Name, result.ReservedByPool[pool.Name], pool.Capacity)
	}
	for _, job := range result.Admitted {
		if pool, ok := s.registry.PoolFor(job.Type); ok {
			s.metrics.admitted.WithLabelValues(pool.Name).Inc()
		}
		s.metrics.recordTransition(schedulingLoop, job.State)
	}
	for i := 0; i < result.RaceLost; i++ {
		s.metrics.recordRaceLost(schedulingLoop)
	}
	if len(result.Admitted) > 0 || result.RaceLost > 0 {
		ctx.Log.Infof(
			"Admitted %d of %d candidates (%d lost to concurrent updates); saturated pools: %v",
			len(result.Admitted), result.Candidates, result.RaceLost, result.SaturatedPools,
		)
		ctx.Log.Debugf("Admitted jobs: %v", slices.Map(result.Admitted, func(job *jobdb.Job) string { return job.Id }))
	}
	return err
}
