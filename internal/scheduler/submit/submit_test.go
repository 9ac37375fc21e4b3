package submit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"
	"github.com/armadaproject/jobadmit/internal/common/pointer"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/executor/fake"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

func newService(t *testing.T) (*Service, database.JobRepository) {
	fakeClock := clock.NewFakeClock(now)
	backend := fake.NewBackend(time.Minute, fakeClock)
	registry := jobtype.NewRegistry()
	gpu := jobtype.Pool{Name: "gpu", Unit: "gpu", Capacity: 8}
	require.NoError(t, registry.Register("train", jobtype.NewHandler(gpu, backend)))
	require.NoError(t, registry.Register("export", jobtype.NewHandler(jobtype.Pool{Name: "cpu"}, backend)))
	repo, err := database.NewMemoryJobRepository()
	require.NoError(t, err)
	return NewService(repo, registry, fakeClock), repo
}

func TestSubmit(t *testing.T) {
	tests := map[string]struct {
		request         Request
		expectedRequest *jobdb.ResourceRequest
		cancellable     bool
	}{
		"gpu job": {
			request:         Request{Type: "train", Key: "k", Priority: 3, Amount: 2},
			expectedRequest: &jobdb.ResourceRequest{Unit: "gpu", Amount: 2},
			cancellable:     true,
		},
		"explicit unit": {
			request:         Request{Type: "train", Key: "k", Unit: "gpu", Amount: 8},
			expectedRequest: &jobdb.ResourceRequest{Unit: "gpu", Amount: 8},
			cancellable:     true,
		},
		"no request": {
			request:     Request{Type: "export", Key: "k"},
			cancellable: true,
		},
		"not cancellable": {
			request:     Request{Type: "export", Key: "k", Cancellable: pointer.Pointer(false)},
			cancellable: false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			service, repo := newService(t)
			ctx := logctx.Background()

			ids, err := service.Submit(ctx, tc.request)
			require.NoError(t, err)
			require.Len(t, ids, 1)

			job, err := repo.GetById(ctx, ids[0])
			require.NoError(t, err)
			assert.Equal(t, jobdb.Queued, job.State)
			assert.Equal(t, tc.request.Type, job.Type)
			assert.Equal(t, tc.request.Key, job.Key)
			assert.Equal(t, tc.request.Priority, job.Priority)
			assert.Equal(t, tc.expectedRequest, job.ResourceRequest)
			assert.Equal(t, tc.cancellable, job.Cancellation.Cancellable)
			assert.Equal(t, now.Truncate(time.Millisecond), job.Created)
			assert.Equal(t, jobdb.ResourceUnset, job.ResourceState)
		})
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	tests := map[string]Request{
		"missing type":          {Key: "k"},
		"missing key":           {Type: "train"},
		"unknown type":          {Type: "render", Key: "k"},
		"negative amount":       {Type: "train", Key: "k", Amount: -1},
		"wrong unit":            {Type: "train", Key: "k", Unit: "tpu", Amount: 1},
		"exceeds capacity":      {Type: "train", Key: "k", Amount: 9},
		"amount from unmetered": {Type: "export", Key: "k", Amount: 1},
	}
	for name, request := range tests {
		t.Run(name, func(t *testing.T) {
			service, repo := newService(t)
			ctx := logctx.Background()

			// A valid request in the same batch is not stored either.
			_, err := service.Submit(ctx, Request{Type: "export", Key: "ok"}, request)
			assert.Error(t, err)

			jobs, err := repo.Find(ctx, database.JobFilter{}, 0)
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestSubmitAllowsDuplicateKeys(t *testing.T) {
	service, _ := newService(t)
	ids, err := service.Submit(logctx.Background(), Request{Type: "train", Key: "k", Amount: 1}, Request{Type: "train", Key: "k", Amount: 1})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestCancel(t *testing.T) {
	service, repo := newService(t)
	ctx := logctx.Background()

	ids, err := service.Submit(ctx,
		Request{Type: "train", Key: "a", Amount: 1},
		Request{Type: "train", Key: "b", Amount: 1, Cancellable: pointer.Pointer(false)},
	)
	require.NoError(t, err)

	requested, err := service.Cancel(ctx, ids[0], "alice")
	require.NoError(t, err)
	assert.True(t, requested)

	job, err := repo.GetById(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, job.Cancellation.IsCancelled)
	assert.Equal(t, "alice", job.Cancellation.RequestedBy)
	assert.Equal(t, now.Truncate(time.Millisecond), job.Cancellation.RequestTime)
	// Cancellation is a request; the state is left to the cancellation loop.
	assert.Equal(t, jobdb.Queued, job.State)

	requested, err = service.Cancel(ctx, ids[0], "bob")
	require.NoError(t, err)
	assert.False(t, requested, "already requested")

	requested, err = service.Cancel(ctx, ids[1], "alice")
	require.NoError(t, err)
	assert.False(t, requested, "not cancellable")

	_, err = service.Cancel(ctx, "missing", "alice")
	assert.True(t, schedulererrors.IsNotFound(err))
}
