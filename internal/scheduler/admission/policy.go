// Package admission decides which queued jobs may proceed to execution.
package admission

import (
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
)

// Policy is the pure admission decision. It holds no state between calls.
type Policy struct {
	registry *jobtype.Registry
}

func NewPolicy(registry *jobtype.Registry) *Policy {
	return &Policy{registry: registry}
}

// SelectForAdmission returns, in admission order, the ids of the candidates that may move to READY_FOR_EXECUTION.
//
// Only queued, not cancelled candidates whose type draws from a pool in capacityByPool are considered. A candidate
// is dropped if any candidate sharing its key is active, and of several queued candidates sharing a key only the
// first in admission order is kept. Candidates are then admitted greedily: each one is admitted if its request
// fits in what remains of its pool and skipped otherwise, without blocking smaller candidates behind it.
// Candidates with no resource request are always admitted.
func (p *Policy) SelectForAdmission(candidates []*jobdb.Job, capacityByPool map[string]int64, reservedByPool map[string]int64) []string {
	activeKeys := map[string]bool{}
	for _, job := range candidates {
		if job.IsActive() {
			activeKeys[job.Key] = true
		}
	}

	eligible := make([]*jobdb.Job, 0, len(candidates))
	for _, job := range candidates {
		if job.State != jobdb.Queued || job.IsCancelRequested() || activeKeys[job.Key] {
			continue
		}
		pool, ok := p.registry.PoolFor(job.Type)
		if !ok {
			continue
		}
		if _, evaluated := capacityByPool[pool.Name]; !evaluated {
			continue
		}
		eligible = append(eligible, job)
	}
	jobdb.SortForAdmission(eligible)

	running := make(map[string]int64, len(capacityByPool))
	for pool := range capacityByPool {
		running[pool] = reservedByPool[pool]
	}
	seenKeys := map[string]bool{}
	admitted := make([]string, 0, len(eligible))
	for _, job := range eligible {
		if seenKeys[job.Key] {
			continue
		}
		seenKeys[job.Key] = true

		if !job.HasResourceRequest() {
			admitted = append(admitted, job.Id)
			continue
		}
		pool, _ := p.registry.PoolFor(job.Type)
		if job.ResourceRequest.Unit != pool.Unit {
			continue
		}
		total := running[pool.Name] + job.RequestedAmount()
		if total > capacityByPool[pool.Name] {
			continue
		}
		running[pool.Name] = total
		admitted = append(admitted, job.Id)
	}
	return admitted
}
