package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/executor/fake"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
)

func newAdmitter(t *testing.T, jobs ...*jobdb.Job) (*GpuBoundAdmitter, *database.MemoryJobRepository) {
	repo, err := database.NewMemoryJobRepository()
	require.NoError(t, err)
	require.NoError(t, repo.Insert(logctx.Background(), jobs...))
	return NewGpuBoundAdmitter(repo, testRegistry(t), clock.NewFakeClock(t1), 100), repo
}

func TestAdmitReservesCapacity(t *testing.T) {
	ctx := logctx.Background()
	admitter, repo := newAdmitter(t,
		gpuJob("a", "a", 5, t0, 4),
		gpuJob("b", "b", 4, t0, 6),
		gpuJob("c", "c", 3, t0, 4),
		jobdb.NewJob("export", "export", "d", 0, t0),
	)

	result, err := admitter.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"gpu": 0, "cpu": 0}, result.ReservedByPool)
	assert.Equal(t, 4, result.Candidates)
	require.Len(t, result.Admitted, 3)
	assert.Equal(t, []string{"a", "c", "export"}, []string{result.Admitted[0].Id, result.Admitted[1].Id, result.Admitted[2].Id})

	for _, id := range []string{"a", "c"} {
		job, err := repo.GetById(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobdb.ReadyForExecution, job.State)
		assert.Equal(t, jobdb.ResourceReserved, job.ResourceState)
		assert.Equal(t, t1, job.LastProgressTime)
	}
	export, err := repo.GetById(ctx, "export")
	require.NoError(t, err)
	assert.Equal(t, jobdb.ReadyForExecution, export.State)
	assert.Equal(t, jobdb.ResourceUnset, export.ResourceState)

	b, err := repo.GetById(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, jobdb.Queued, b.State)

	reserved, err := admitter.ReservedByPool(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), reserved["gpu"])
}

func TestAdmitSkipsSaturatedPools(t *testing.T) {
	ctx := logctx.Background()
	admitter, _ := newAdmitter(t,
		active(gpuJob("holder", "h", 0, t0, 8)),
		gpuJob("waiting", "w", 0, t0, 1),
	)

	result, err := admitter.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu"}, result.SaturatedPools)
	assert.Empty(t, result.Admitted)
}

type countingRepository struct {
	database.JobRepository
	candidateFetches int
}

func (r *countingRepository) FetchAdmissionCandidates(ctx *logctx.Context, types []string, limit int) ([]*jobdb.Job, error) {
	r.candidateFetches++
	return r.JobRepository.FetchAdmissionCandidates(ctx, types, limit)
}

func TestAdmitFastPathWhenEverythingIsSaturated(t *testing.T) {
	ctx := logctx.Background()
	memory, err := database.NewMemoryJobRepository()
	require.NoError(t, err)
	require.NoError(t, memory.Insert(ctx, active(gpuJob("holder", "h", 0, t0, 8)), gpuJob("waiting", "w", 0, t0, 1)))
	repo := &countingRepository{JobRepository: memory}

	registry := jobtype.NewRegistry()
	require.NoError(t, registry.Register("train", jobtype.NewHandler(gpuPool, fake.NewBackend(time.Minute, clock.NewFakeClock(t0)))))
	admitter := NewGpuBoundAdmitter(repo, registry, clock.NewFakeClock(t1), 100)

	result, err := admitter.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu"}, result.SaturatedPools)
	assert.Empty(t, result.Admitted)
	assert.Equal(t, 0, repo.candidateFetches)

	holder, err := memory.GetById(ctx, "holder")
	require.NoError(t, err)
	released, err := holder.Requeue(t1)
	require.NoError(t, err)
	_, err = memory.Update(ctx, holder, released)
	require.NoError(t, err)

	result, err = admitter.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.candidateFetches)
	require.Len(t, result.Admitted, 1)
	assert.Equal(t, "holder", result.Admitted[0].Id)
}

func TestAdmitDoesNotAdmitDuplicateKeys(t *testing.T) {
	ctx := logctx.Background()
	admitter, _ := newAdmitter(t,
		gpuJob("first", "same", 0, t0, 1),
		gpuJob("second", "same", 0, t1, 1),
	)

	result, err := admitter.Admit(ctx)
	require.NoError(t, err)
	require.Len(t, result.Admitted, 1)
	assert.Equal(t, "first", result.Admitted[0].Id)

	// the admitted job is now active, so its sibling stays queued on the next pass
	result, err = admitter.Admit(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Admitted)
	assert.Equal(t, 0, result.Candidates)
}
