package task

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
)

const interval = 10 * time.Second

func TestSupervisorSurvivesFailingIterations(t *testing.T) {
	tests := map[string]struct {
		failure func(call int64) error
	}{
		"error": {
			failure: func(call int64) error { return errors.Errorf("iteration %d failed", call) },
		},
		"panic": {
			failure: func(call int64) error { panic(fmt.Sprintf("iteration %d exploded", call)) },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fakeClock := clock.NewFakeClock(time.Now())
			registry := prometheus.NewRegistry()
			supervisor := NewSupervisor("test_", 3, fakeClock, registry)

			var calls atomic.Int64
			require.NoError(t, supervisor.Register(Loop{
				Name:     "flaky",
				Interval: interval,
				Body: func(_ *logctx.Context, _ Shard) error {
					call := calls.Add(1)
					if call == 1 {
						return tc.failure(call)
					}
					return nil
				},
			}))

			ctx, cancel := logctx.WithCancel(logctx.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				assert.NoError(t, supervisor.Run(ctx))
			}()

			assert.Eventually(t, func() bool { return calls.Load() == 1 && fakeClock.HasWaiters() }, time.Second, time.Millisecond)
			assert.Equal(t, float64(1), testutil.ToFloat64(supervisor.metrics.errors.WithLabelValues("flaky")))

			fakeClock.Step(interval)
			assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

			cancel()
			fakeClock.Step(interval)
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("supervisor did not stop")
			}
		})
	}
}

func TestSupervisorCheck(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	supervisor := NewSupervisor("test_", 3, fakeClock, prometheus.NewRegistry())
	assert.Error(t, supervisor.Check(), "not started")

	healthy := true
	require.NoError(t, supervisor.Register(Loop{
		Name:     "sometimes",
		Interval: interval,
		Body: func(*logctx.Context, Shard) error {
			if healthy {
				return nil
			}
			return errors.New("broken")
		},
	}))
	supervisor.started = fakeClock.Now()
	ctx := logctx.Background()
	loop := supervisor.loops[0]

	assert.NoError(t, supervisor.Check())
	fakeClock.Step(4 * interval)
	assert.Error(t, supervisor.Check(), "no successful iteration since start")

	supervisor.runIteration(ctx, loop, Shard{Count: 1})
	assert.NoError(t, supervisor.Check())

	healthy = false
	fakeClock.Step(2 * interval)
	supervisor.runIteration(ctx, loop, Shard{Count: 1})
	assert.NoError(t, supervisor.Check(), "within tolerance")

	fakeClock.Step(2 * interval)
	supervisor.runIteration(ctx, loop, Shard{Count: 1})
	assert.Error(t, supervisor.Check())
}

func TestRegisterRejectsInvalidLoops(t *testing.T) {
	body := func(*logctx.Context, Shard) error { return nil }
	tests := map[string]Loop{
		"no name":           {Interval: interval, Body: body},
		"no interval":       {Name: "a", Body: body},
		"no body":           {Name: "a", Interval: interval},
		"duplicate":         {Name: "existing", Interval: interval, Body: body},
		"negative interval": {Name: "a", Interval: -interval, Body: body},
	}
	for name, loop := range tests {
		t.Run(name, func(t *testing.T) {
			supervisor := NewSupervisor("test_", 3, clock.NewFakeClock(time.Now()), prometheus.NewRegistry())
			require.NoError(t, supervisor.Register(Loop{Name: "existing", Interval: interval, Body: body}))
			assert.Error(t, supervisor.Register(loop))
		})
	}
}

func TestShardsPartitionIds(t *testing.T) {
	const count = 4
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("job-%d", i)
		owners := 0
		for index := 0; index < count; index++ {
			if (Shard{Index: index, Count: count}).Owns(id) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, id)
	}
	assert.True(t, Shard{}.Owns("anything"))
	assert.True(t, Shard{Index: 0, Count: 1}.Owns("anything"))
}
