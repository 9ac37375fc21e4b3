package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/armadaproject/jobadmit/internal/common/config"
	"github.com/armadaproject/jobadmit/internal/common/logging"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	BillingDisabled = "disabled"
	BillingLog      = "log"
	BillingRedis    = "redis"

	ExecutorFake = "fake"
)

type Configuration struct {
	Logging logging.Config
	// Name this instance uses when standing for election. A random name is generated if empty.
	InstanceName string
	// Port serving /health and /metrics.
	HttpPort uint16 `validate:"required"`
	// Which job store to use: postgres, mongodb or memory.
	StoreBackend string `validate:"oneof=postgres mongodb memory"`
	// Which lease store to use: postgres, mongodb, redis or memory.
	LeaseBackend string                `validate:"oneof=postgres mongodb redis memory"`
	Postgres     config.PostgresConfig `validate:"-"`
	Mongo        config.MongoConfig    `validate:"-"`
	Redis        config.RedisConfig    `validate:"-"`
	// Number of attempts made to reach each store at startup.
	ConnectAttempts uint `validate:"gte=1"`
	// Resource pools and the job types drawing from them.
	Pools    []PoolConfig `validate:"required,min=1,dive"`
	Executor ExecutorConfig
	Billing  BillingConfig
	Loops    LoopsConfig
	// How long a lease taken by the recovery loop is valid for.
	LeaseValidity time.Duration `validate:"gte=1000000000"`
	// How long a job may sit in READY_FOR_EXECUTION without being dispatched before it is reverted.
	DispatchDeadline time.Duration `validate:"required"`
	// How long an active job may go without progress before it is reset.
	ResetTimeout time.Duration `validate:"required"`
	// Number of dispatch attempts before a job is failed.
	MaxAttempts int `validate:"gte=1"`
	// How long terminal jobs are retained before deletion.
	Retention time.Duration `validate:"required"`
	// Maximum number of jobs a loop reads from the store per iteration.
	BatchSize int `validate:"gte=1"`
	// A loop is reported unhealthy after this many intervals without a successful iteration.
	HeartbeatTolerance int `validate:"gte=1"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(configurationValidation, Configuration{})
	return validate.Struct(c)
}

// UsesBackend returns true if either the job store or the lease store is backend.
func (c Configuration) UsesBackend(backend string) bool {
	return c.StoreBackend == backend || c.LeaseBackend == backend
}

// configurationValidation checks the connection settings of the backends in use, and rejects duplicate pool
// names and job types that appear in more than one pool.
func configurationValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(Configuration)
	if c.UsesBackend(BackendPostgres) && len(c.Postgres.Connection) == 0 {
		sl.ReportError(c.Postgres.Connection, "Postgres.Connection", "Connection", "required", "")
	}
	if c.UsesBackend(BackendMongo) && (c.Mongo.Uri == "" || c.Mongo.Database == "") {
		sl.ReportError(c.Mongo.Uri, "Mongo.Uri", "Uri", "required", "")
	}
	needsRedis := c.LeaseBackend == BackendRedis || c.Billing.Backend == BillingRedis
	if needsRedis && len(c.Redis.Addrs) == 0 {
		sl.ReportError(c.Redis.Addrs, "Redis.Addrs", "Addrs", "required", "")
	}
	pools := map[string]bool{}
	jobTypes := map[string]bool{}
	for _, pool := range c.Pools {
		if pools[pool.Name] {
			sl.ReportError(pool.Name, "Pools", "Name", "uniquePoolName", pool.Name)
		}
		pools[pool.Name] = true
		for _, jobType := range pool.JobTypes {
			if jobTypes[jobType] {
				sl.ReportError(jobType, "Pools", "JobTypes", "uniqueJobType", jobType)
			}
			jobTypes[jobType] = true
		}
	}
}

type PoolConfig struct {
	Name string `validate:"required"`
	// Unit of the quantized resource, e.g. gpu. Empty for pools whose jobs request nothing.
	Unit string
	// Total amount of Unit available. Ignored when Unit is empty.
	Capacity int64    `validate:"gte=0"`
	JobTypes []string `validate:"required,min=1,dive,required"`
}

type ExecutorConfig struct {
	Backend string `validate:"oneof=fake"`
	// How long jobs take to complete on the fake backend.
	FakeRuntime time.Duration `validate:"required"`
}

type BillingConfig struct {
	Backend string `validate:"oneof=disabled log redis"`
}

func (c BillingConfig) Enabled() bool {
	return c.Backend != BillingDisabled
}

type LoopConfig struct {
	Interval time.Duration `validate:"required"`
	Workers  int           `validate:"gte=1"`
}

type LoopsConfig struct {
	Scheduling       LoopConfig
	Dispatch         LoopConfig
	RevertScheduling LoopConfig
	Cancellation     LoopConfig
	Status           LoopConfig
	Resetting        LoopConfig
	Deletion         LoopConfig
	CostReporting    LoopConfig
	Recovery         LoopConfig
}
