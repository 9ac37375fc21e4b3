package admission

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
)

// Result summarises one admission pass.
type Result struct {
	// Pools that were skipped because nothing more fits in them.
	SaturatedPools []string
	// Number of candidates fetched from the store.
	Candidates int
	// Jobs that were moved to READY_FOR_EXECUTION, as stored.
	Admitted []*jobdb.Job
	// Number of admissions abandoned because another loop or instance changed the job first.
	RaceLost int
	// Reserved amount per pool at the start of the pass.
	ReservedByPool map[string]int64
}

// GpuBoundAdmitter applies the Policy to jobs drawing from quantized-resource pools. Reserved amounts are read
// from the store on every pass; the window between that read and the admission writes is not atomic, so a pass
// racing with another instance may over-admit by one job. The recovery loop corrects that.
type GpuBoundAdmitter struct {
	repo      database.JobRepository
	registry  *jobtype.Registry
	policy    *Policy
	clock     clock.Clock
	batchSize int
}

func NewGpuBoundAdmitter(repo database.JobRepository, registry *jobtype.Registry, clock clock.Clock, batchSize int) *GpuBoundAdmitter {
	return &GpuBoundAdmitter{
		repo:      repo,
		registry:  registry,
		policy:    NewPolicy(registry),
		clock:     clock,
		batchSize: batchSize,
	}
}

// ReservedByPool returns the amount reserved in each registered pool.
func (a *GpuBoundAdmitter) ReservedByPool(ctx *logctx.Context) (map[string]int64, error) {
	reservedByType, err := a.repo.ReservedAmountByType(ctx, a.registry.Types())
	if err != nil {
		return nil, err
	}
	reservedByPool := make(map[string]int64)
	for _, pool := range a.registry.Pools() {
		reservedByPool[pool.Name] = 0
	}
	for jobType, amount := range reservedByType {
		if pool, ok := a.registry.PoolFor(jobType); ok {
			reservedByPool[pool.Name] += amount
		}
	}
	return reservedByPool, nil
}

// Admit runs one admission pass.
func (a *GpuBoundAdmitter) Admit(ctx *logctx.Context) (*Result, error) {
	reservedByPool, err := a.ReservedByPool(ctx)
	if err != nil {
		return nil, err
	}
	result := &Result{ReservedByPool: reservedByPool}

	capacityByPool := map[string]int64{}
	var types []string
	for _, pool := range a.registry.Pools() {
		if pool.Saturated(reservedByPool[pool.Name]) {
			result.SaturatedPools = append(result.SaturatedPools, pool.Name)
			continue
		}
		capacityByPool[pool.Name] = pool.Capacity
		types = append(types, a.registry.TypesInPool(pool.Name)...)
	}
	if len(types) == 0 {
		ctx.Log.Debugf("All pools saturated; skipping admission")
		return result, nil
	}

	candidates, err := a.repo.FetchAdmissionCandidates(ctx, types, a.batchSize)
	if err != nil {
		return result, err
	}
	result.Candidates = len(candidates)
	candidatesById := make(map[string]*jobdb.Job, len(candidates))
	for _, job := range candidates {
		candidatesById[job.Id] = job
	}

	var errs *multierror.Error
	for _, id := range a.policy.SelectForAdmission(candidates, capacityByPool, reservedByPool) {
		job := candidatesById[id]
		admitted, err := job.Admit(a.now())
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		stored, err := a.repo.Update(ctx, job, admitted)
		if schedulererrors.IsRaceLost(err) {
			ctx.Log.WithError(err).Debugf("Skipping admission of job %s", id)
			result.RaceLost++
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		ctx.Log.WithField("jobId", id).Debugf("Admitted job of type %s", stored.Type)
		result.Admitted = append(result.Admitted, stored)
	}
	return result, errs.ErrorOrNil()
}

func (a *GpuBoundAdmitter) now() time.Time {
	return a.clock.Now().UTC().Truncate(time.Millisecond)
}
