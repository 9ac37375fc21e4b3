package admission

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobadmit/internal/executor/fake"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
)

var (
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1      = t0.Add(time.Second)
	gpuPool = jobtype.Pool{Name: "gpu", Unit: "gpu", Capacity: 8}
	cpuPool = jobtype.Pool{Name: "cpu"}
)

func testRegistry(t *testing.T) *jobtype.Registry {
	backend := fake.NewBackend(time.Minute, clock.NewFakeClock(t0))
	registry := jobtype.NewRegistry()
	require.NoError(t, registry.Register("train", jobtype.NewHandler(gpuPool, backend)))
	require.NoError(t, registry.Register("finetune", jobtype.NewHandler(gpuPool, backend)))
	require.NoError(t, registry.Register("export", jobtype.NewHandler(cpuPool, backend)))
	return registry
}

func gpuJob(id string, key string, priority int64, created time.Time, amount int64) *jobdb.Job {
	return jobdb.NewJob(id, "train", key, priority, created).WithResourceRequest("gpu", amount).WithCancellable(true)
}

func active(job *jobdb.Job) *jobdb.Job {
	admitted, err := job.Admit(t1)
	if err != nil {
		panic(err)
	}
	return admitted
}

func TestSelectForAdmission(t *testing.T) {
	cancelRequested, _ := gpuJob("cancelled", "c", 99, t0, 1).RequestCancellation("alice", t0)

	tests := map[string]struct {
		candidates []*jobdb.Job
		capacity   map[string]int64
		reserved   map[string]int64
		expected   []string
	}{
		"priority then creation time": {
			candidates: []*jobdb.Job{
				jobdb.NewJob("p1t0", "export", "a", 1, t0),
				jobdb.NewJob("p5t1", "export", "b", 5, t1),
				jobdb.NewJob("p5t0", "export", "c", 5, t0),
			},
			capacity: map[string]int64{"cpu": 0},
			expected: []string{"p5t0", "p5t1", "p1t0"},
		},
		"best-effort packing": {
			candidates: []*jobdb.Job{
				gpuJob("job1", "a", 10, t0, 1),
				gpuJob("job2", "b", 9, t0, 3),
			},
			capacity: map[string]int64{"gpu": 2},
			expected: []string{"job1"},
		},
		"large job does not block smaller ones": {
			candidates: []*jobdb.Job{
				gpuJob("big", "a", 10, t0, 6),
				gpuJob("small", "b", 9, t0, 2),
			},
			capacity: map[string]int64{"gpu": 8},
			reserved: map[string]int64{"gpu": 4},
			expected: []string{"small"},
		},
		"exact fit": {
			candidates: []*jobdb.Job{gpuJob("a", "a", 0, t0, 4), gpuJob("b", "b", 0, t1, 4)},
			capacity:   map[string]int64{"gpu": 8},
			expected:   []string{"a", "b"},
		},
		"queued siblings keep only the first": {
			candidates: []*jobdb.Job{
				gpuJob("second", "same", 5, t1, 1),
				gpuJob("first", "same", 5, t0, 1),
			},
			capacity: map[string]int64{"gpu": 8},
			expected: []string{"first"},
		},
		"active sibling blocks every queued sibling": {
			candidates: []*jobdb.Job{
				active(gpuJob("running", "same", 0, t0, 1)),
				gpuJob("queued-1", "same", 5, t0, 1),
				gpuJob("queued-2", "same", 5, t1, 1),
				gpuJob("unrelated", "other", 0, t0, 1),
			},
			capacity: map[string]int64{"gpu": 8},
			expected: []string{"unrelated"},
		},
		"cancel requested and non-queued are ignored": {
			candidates: []*jobdb.Job{
				cancelRequested,
				active(gpuJob("ready", "r", 99, t0, 1)),
				gpuJob("queued", "q", 0, t0, 1),
			},
			capacity: map[string]int64{"gpu": 8},
			expected: []string{"queued"},
		},
		"pools not under evaluation are ignored": {
			candidates: []*jobdb.Job{
				gpuJob("gpu", "a", 0, t0, 1),
				jobdb.NewJob("cpu", "export", "b", 0, t0),
				jobdb.NewJob("unknown", "mystery", "c", 0, t0),
			},
			capacity: map[string]int64{"cpu": 0},
			expected: []string{"cpu"},
		},
		"jobs without a request are always admitted": {
			candidates: []*jobdb.Job{
				jobdb.NewJob("free", "train", "a", 0, t0),
				gpuJob("full", "b", 1, t0, 1),
			},
			capacity: map[string]int64{"gpu": 8},
			reserved: map[string]int64{"gpu": 8},
			expected: []string{"free"},
		},
		"unit mismatch is skipped": {
			candidates: []*jobdb.Job{
				jobdb.NewJob("tpu", "train", "a", 1, t0).WithResourceRequest("tpu", 1),
				gpuJob("gpu", "b", 0, t0, 1),
			},
			capacity: map[string]int64{"gpu": 8},
			expected: []string{"gpu"},
		},
		"no candidates": {
			capacity: map[string]int64{"gpu": 8},
			expected: []string{},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			policy := NewPolicy(testRegistry(t))
			assert.Equal(t, tc.expected, policy.SelectForAdmission(tc.candidates, tc.capacity, tc.reserved))
		})
	}
}

func TestSelectForAdmissionNeverReturnsBothSiblings(t *testing.T) {
	policy := NewPolicy(testRegistry(t))
	for i := 0; i < 50; i++ {
		candidates := []*jobdb.Job{
			gpuJob("a", "same", int64(i%3), t0.Add(time.Duration(i)*time.Second), 1),
			gpuJob("b", "same", int64(i%5), t0, 1),
		}
		admitted := policy.SelectForAdmission(candidates, map[string]int64{"gpu": 8}, nil)
		assert.Len(t, admitted, 1)
	}
}

func TestSelectForAdmissionRespectsCapacity(t *testing.T) {
	policy := NewPolicy(testRegistry(t))
	rng := rand.New(rand.NewSource(42))
	for iteration := 0; iteration < 500; iteration++ {
		capacity := rng.Int63n(16)
		reserved := rng.Int63n(capacity + 1)
		candidates := make([]*jobdb.Job, rng.Intn(20))
		for i := range candidates {
			candidates[i] = gpuJob(
				fmt.Sprintf("job-%d", i),
				fmt.Sprintf("key-%d", rng.Intn(10)),
				rng.Int63n(5),
				t0.Add(time.Duration(rng.Intn(100))*time.Second),
				1+rng.Int63n(6),
			)
		}
		byId := map[string]*jobdb.Job{}
		for _, job := range candidates {
			byId[job.Id] = job
		}

		admitted := policy.SelectForAdmission(candidates, map[string]int64{"gpu": capacity}, map[string]int64{"gpu": reserved})

		var total int64
		keys := map[string]bool{}
		for _, id := range admitted {
			job := byId[id]
			total += job.RequestedAmount()
			assert.False(t, keys[job.Key], "key %s admitted twice", job.Key)
			keys[job.Key] = true
		}
		assert.LessOrEqual(t, total, capacity-reserved, "iteration %d", iteration)
	}
}
