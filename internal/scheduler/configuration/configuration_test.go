package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/armadaproject/jobadmit/internal/common/config"
)

func validConfig() Configuration {
	loop := LoopConfig{Interval: time.Second, Workers: 1}
	return Configuration{
		HttpPort:        8080,
		StoreBackend:    BackendMemory,
		LeaseBackend:    BackendMemory,
		ConnectAttempts: 1,
		Pools: []PoolConfig{
			{Name: "gpu", Unit: "gpu", Capacity: 8, JobTypes: []string{"train", "finetune"}},
			{Name: "cpu", JobTypes: []string{"export"}},
		},
		Executor: ExecutorConfig{Backend: ExecutorFake, FakeRuntime: time.Minute},
		Billing:  BillingConfig{Backend: BillingLog},
		Loops: LoopsConfig{
			Scheduling:       loop,
			Dispatch:         loop,
			RevertScheduling: loop,
			Cancellation:     loop,
			Status:           loop,
			Resetting:        loop,
			Deletion:         loop,
			CostReporting:    loop,
			Recovery:         loop,
		},
		LeaseValidity:      time.Minute,
		DispatchDeadline:   time.Minute,
		ResetTimeout:       time.Minute,
		MaxAttempts:        3,
		Retention:          time.Hour,
		BatchSize:          100,
		HeartbeatTolerance: 5,
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(c *Configuration)
		valid  bool
	}{
		"valid": {
			modify: func(c *Configuration) {},
			valid:  true,
		},
		"postgres store with connection": {
			modify: func(c *Configuration) {
				c.StoreBackend = BackendPostgres
				c.Postgres = config.PostgresConfig{Connection: map[string]string{"host": "localhost"}}
			},
			valid: true,
		},
		"unknown store backend": {
			modify: func(c *Configuration) { c.StoreBackend = "sqlite" },
		},
		"postgres store without connection": {
			modify: func(c *Configuration) { c.StoreBackend = BackendPostgres },
		},
		"mongodb leases without uri": {
			modify: func(c *Configuration) { c.LeaseBackend = BackendMongo },
		},
		"redis leases without addresses": {
			modify: func(c *Configuration) { c.LeaseBackend = BackendRedis },
		},
		"redis billing without addresses": {
			modify: func(c *Configuration) { c.Billing.Backend = BillingRedis },
		},
		"no pools": {
			modify: func(c *Configuration) { c.Pools = nil },
		},
		"pool without job types": {
			modify: func(c *Configuration) { c.Pools[0].JobTypes = nil },
		},
		"duplicate pool name": {
			modify: func(c *Configuration) { c.Pools[1].Name = "gpu" },
		},
		"job type in two pools": {
			modify: func(c *Configuration) { c.Pools[1].JobTypes = []string{"train"} },
		},
		"loop without interval": {
			modify: func(c *Configuration) { c.Loops.Recovery.Interval = 0 },
		},
		"loop without workers": {
			modify: func(c *Configuration) { c.Loops.Dispatch.Workers = 0 },
		},
		"zero retry budget": {
			modify: func(c *Configuration) { c.MaxAttempts = 0 },
		},
		"sub-second lease": {
			modify: func(c *Configuration) { c.LeaseValidity = time.Millisecond },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			tc.modify(&c)
			err := c.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestBillingEnabled(t *testing.T) {
	assert.False(t, BillingConfig{Backend: BillingDisabled}.Enabled())
	assert.True(t, BillingConfig{Backend: BillingLog}.Enabled())
	assert.True(t, BillingConfig{Backend: BillingRedis}.Enabled())
}
