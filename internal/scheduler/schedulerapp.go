package scheduler

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common"
	"github.com/armadaproject/jobadmit/internal/common/app"
	dbcommon "github.com/armadaproject/jobadmit/internal/common/database"
	"github.com/armadaproject/jobadmit/internal/common/health"
	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/task"
	"github.com/armadaproject/jobadmit/internal/common/util"
	"github.com/armadaproject/jobadmit/internal/executor"
	"github.com/armadaproject/jobadmit/internal/executor/fake"
	"github.com/armadaproject/jobadmit/internal/scheduler/billing"
	schedulerconfig "github.com/armadaproject/jobadmit/internal/scheduler/configuration"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
	"github.com/armadaproject/jobadmit/internal/scheduler/leader"
)

const connectRetryDelay = time.Second

// Run sets up a scheduler and runs its control loops until a SIGINT or SIGTERM is received.
func Run(config schedulerconfig.Configuration) error {
	ctx := app.CreateContextWithShutdown()

	//////////////////////////////////////////////////////////////////////////
	// Health Checks and Metrics
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks, prometheus.DefaultGatherer)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
	defer shutdownHttpServer()

	//////////////////////////////////////////////////////////////////////////
	// Stores
	//////////////////////////////////////////////////////////////////////////
	stores, err := OpenStores(ctx, config)
	if err != nil {
		return err
	}
	defer stores.Close()

	instanceName := config.InstanceName
	if instanceName == "" {
		instanceName = util.NewInstanceName("jobadmit")
	}
	ctx = logctx.WithLogField(ctx, "instance", instanceName)

	clk := clock.RealClock{}
	registry, err := NewRegistry(config.Pools, NewExecutorBackend(config.Executor, clk))
	if err != nil {
		return err
	}
	elector, err := stores.Elector(ctx, config.LeaseBackend, clk)
	if err != nil {
		return err
	}
	reporter := stores.Reporter(config.Billing)

	//////////////////////////////////////////////////////////////////////////
	// Control loops
	//////////////////////////////////////////////////////////////////////////
	scheduler := NewScheduler(
		stores.Jobs,
		registry,
		leader.NewGate(elector, instanceName, recoveryLoop, config.LeaseValidity),
		reporter,
		Settings{
			DispatchDeadline: config.DispatchDeadline,
			ResetTimeout:     config.ResetTimeout,
			MaxAttempts:      config.MaxAttempts,
			Retention:        config.Retention,
			BatchSize:        config.BatchSize,
		},
		clk,
		NewMetrics(prometheus.DefaultRegisterer),
	)
	supervisor := task.NewSupervisor(metricsPrefix, config.HeartbeatTolerance, clk, prometheus.DefaultRegisterer)
	for _, loop := range scheduler.Loops(config.Loops) {
		if err := supervisor.Register(loop); err != nil {
			return err
		}
	}
	healthChecks.Add(supervisor)

	g, ctx := logctx.ErrGroup(ctx)
	g.Go(func() error { return supervisor.Run(ctx) })
	startupCompleteCheck.MarkComplete()
	err = g.Wait()
	if resignErr := elector.Resign(logctx.Background(), instanceName, recoveryLoop); resignErr != nil {
		log.WithError(resignErr).Warn("Failed to resign recovery lease")
	}
	return err
}

// NewRegistry registers every job type of every pool against backend.
func NewRegistry(pools []schedulerconfig.PoolConfig, backend executor.Backend) (*jobtype.Registry, error) {
	registry := jobtype.NewRegistry()
	for _, poolConfig := range pools {
		pool := jobtype.Pool{Name: poolConfig.Name, Unit: poolConfig.Unit}
		if pool.Metered() {
			pool.Capacity = poolConfig.Capacity
		}
		for _, jobType := range poolConfig.JobTypes {
			if err := registry.Register(jobType, jobtype.NewHandler(pool, backend)); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

// NewExecutorBackend returns the execution backend named by config.
func NewExecutorBackend(config schedulerconfig.ExecutorConfig, clk clock.Clock) executor.Backend {
	return fake.NewBackend(config.FakeRuntime, clk)
}

// Stores holds the connections of the configured backends. Connections are only opened for backends in use.
type Stores struct {
	Jobs     database.JobRepository
	postgres *pgxpool.Pool
	mongo    *mongo.Client
	mongoDb  *mongo.Database
	redis    redis.UniversalClient
}

// OpenStores connects to every backend the configuration uses, retrying while they come up, and makes sure the
// job store's schema is in place.
func OpenStores(ctx *logctx.Context, config schedulerconfig.Configuration) (*Stores, error) {
	stores := &Stores{}
	ok := false
	defer func() {
		if !ok {
			stores.Close()
		}
	}()

	if config.UsesBackend(schedulerconfig.BackendPostgres) {
		err := util.ConnectWithRetry(ctx, "postgres", config.ConnectAttempts, connectRetryDelay, func() error {
			db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
			stores.postgres = db
			return err
		})
		if err != nil {
			return nil, errors.WithMessage(err, "error opening connection to postgres")
		}
	}
	if config.UsesBackend(schedulerconfig.BackendMongo) {
		err := util.ConnectWithRetry(ctx, "mongodb", config.ConnectAttempts, connectRetryDelay, func() error {
			client, err := openMongo(ctx, config)
			stores.mongo = client
			return err
		})
		if err != nil {
			return nil, errors.WithMessage(err, "error opening connection to mongodb")
		}
		stores.mongoDb = stores.mongo.Database(config.Mongo.Database)
	}
	if config.LeaseBackend == schedulerconfig.BackendRedis || config.Billing.Backend == schedulerconfig.BillingRedis {
		stores.redis = redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		err := util.ConnectWithRetry(ctx, "redis", config.ConnectAttempts, connectRetryDelay, func() error {
			return stores.redis.Ping(ctx).Err()
		})
		if err != nil {
			return nil, errors.WithMessage(err, "error connecting to redis")
		}
	}

	switch config.StoreBackend {
	case schedulerconfig.BackendPostgres:
		stores.Jobs = database.NewPostgresJobRepository(stores.postgres, config.BatchSize)
	case schedulerconfig.BackendMongo:
		stores.Jobs = database.NewMongoJobRepository(stores.mongoDb)
	default:
		repo, err := database.NewMemoryJobRepository()
		if err != nil {
			return nil, err
		}
		stores.Jobs = repo
	}
	if err := stores.Jobs.EnsureSchema(ctx); err != nil {
		return nil, errors.WithMessage(err, "error setting up job store")
	}
	ok = true
	return stores, nil
}

func openMongo(ctx *logctx.Context, config schedulerconfig.Configuration) (*mongo.Client, error) {
	timeout := config.Mongo.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := logctx.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.Mongo.Uri))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.WithStack(err)
	}
	return client, nil
}

// Elector returns the lease store named by backend.
func (s *Stores) Elector(ctx *logctx.Context, backend string, clk clock.Clock) (leader.Elector, error) {
	switch backend {
	case schedulerconfig.BackendPostgres:
		if err := database.Migrate(ctx, s.postgres); err != nil {
			return nil, errors.WithMessage(err, "error setting up lease store")
		}
		return leader.NewPostgresElector(s.postgres), nil
	case schedulerconfig.BackendMongo:
		elector := leader.NewMongoElector(s.mongoDb, clk)
		if err := elector.EnsureSchema(ctx); err != nil {
			return nil, errors.WithMessage(err, "error setting up lease store")
		}
		return elector, nil
	case schedulerconfig.BackendRedis:
		return leader.NewRedisElector(s.redis), nil
	default:
		return leader.NewMemoryElector(clk)
	}
}

// Reporter returns the billing sink named by config, or nil if billing is disabled.
func (s *Stores) Reporter(config schedulerconfig.BillingConfig) billing.Reporter {
	switch config.Backend {
	case schedulerconfig.BillingLog:
		return billing.LogReporter{}
	case schedulerconfig.BillingRedis:
		return billing.NewRedisUsageReporter(s.redis)
	default:
		return nil
	}
}

func (s *Stores) Close() {
	if s.postgres != nil {
		s.postgres.Close()
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(logctx.Background()); err != nil {
			log.WithError(errors.WithStack(err)).Warn("MongoDB client didn't close down cleanly")
		}
	}
	if s.redis != nil {
		util.CloseResource("redis", s.redis)
	}
}
