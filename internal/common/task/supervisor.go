// Package task runs long-lived periodic loops. Each loop body is called, then the worker sleeps for the loop's
// interval, whatever the outcome of the body. Errors and panics end the current iteration only.
package task

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/logging"
)

// Shard identifies the slice of per-job work owned by one worker of a loop.
type Shard struct {
	Index int
	Count int
}

// Owns returns true if the job with the given id belongs to this shard.
func (s Shard) Owns(id string) bool {
	if s.Count <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32()%uint32(s.Count)) == s.Index
}

// Loop describes one periodic task.
type Loop struct {
	Name     string
	Interval time.Duration
	// Number of concurrent workers. Each gets its own Shard.
	Workers int
	Body    func(ctx *logctx.Context, shard Shard) error
}

type supervisorMetrics struct {
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

func newSupervisorMetrics(prefix string, registerer prometheus.Registerer) *supervisorMetrics {
	factory := promauto.With(registerer)
	return &supervisorMetrics{
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "loop_latency_seconds",
			Help:    "Control loop iteration latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"loop"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "loop_errors_total",
			Help: "Number of control loop iterations that returned an error or panicked",
		}, []string{"loop"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "loop_last_success_timestamp_seconds",
			Help: "Unix time of the last control loop iteration that completed without error",
		}, []string{"loop"}),
	}
}

// Supervisor runs a set of Loops until its context is cancelled. It is also a health.Checker: it reports
// unhealthy while any loop has gone more than heartbeatTolerance intervals without a successful iteration.
type Supervisor struct {
	loops              []Loop
	clock              clock.Clock
	heartbeatTolerance int
	metrics            *supervisorMetrics

	mu          sync.Mutex
	started     time.Time
	lastSuccess map[string]time.Time
}

func NewSupervisor(metricsPrefix string, heartbeatTolerance int, clock clock.Clock, registerer prometheus.Registerer) *Supervisor {
	return &Supervisor{
		clock:              clock,
		heartbeatTolerance: heartbeatTolerance,
		metrics:            newSupervisorMetrics(metricsPrefix, registerer),
		lastSuccess:        map[string]time.Time{},
	}
}

// Register adds a loop. Loops must be registered before Run is called.
func (s *Supervisor) Register(loop Loop) error {
	if loop.Name == "" {
		return errors.New("loop name must not be empty")
	}
	if loop.Interval <= 0 {
		return errors.Errorf("loop %s: interval must be positive", loop.Name)
	}
	if loop.Body == nil {
		return errors.Errorf("loop %s: body must not be nil", loop.Name)
	}
	for _, existing := range s.loops {
		if existing.Name == loop.Name {
			return errors.Errorf("loop %s is already registered", loop.Name)
		}
	}
	if loop.Workers < 1 {
		loop.Workers = 1
	}
	s.loops = append(s.loops, loop)
	return nil
}

// Run starts every worker of every loop and blocks until ctx is cancelled and all workers have returned.
func (s *Supervisor) Run(ctx *logctx.Context) error {
	s.mu.Lock()
	s.started = s.clock.Now()
	s.mu.Unlock()

	ctx.Log.Infof("Starting %d control loops", len(s.loops))
	var wg sync.WaitGroup
	for _, loop := range s.loops {
		for i := 0; i < loop.Workers; i++ {
			shard := Shard{Index: i, Count: loop.Workers}
			workerCtx := logctx.WithLogFields(ctx, logrus.Fields{"loop": loop.Name, "worker": i})
			wg.Add(1)
			go func(loop Loop) {
				defer wg.Done()
				s.runWorker(workerCtx, loop, shard)
			}(loop)
		}
	}
	wg.Wait()
	ctx.Log.Info("All control loops stopped")
	return nil
}

func (s *Supervisor) runWorker(ctx *logctx.Context, loop Loop, shard Shard) {
	for {
		s.runIteration(ctx, loop, shard)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(loop.Interval):
		}
	}
}

// runIteration calls the loop body once. Errors and panics are logged and counted, never propagated.
func (s *Supervisor) runIteration(ctx *logctx.Context, loop Loop, shard Shard) {
	if ctx.Err() != nil {
		return
	}
	start := s.clock.Now()
	err := safeCall(ctx, loop.Body, shard)
	s.metrics.latency.WithLabelValues(loop.Name).Observe(s.clock.Since(start).Seconds())
	if err != nil {
		s.metrics.errors.WithLabelValues(loop.Name).Inc()
		if ctx.Err() != nil {
			ctx.Log.Debugf("Iteration interrupted by shutdown: %v", err)
			return
		}
		logging.WithStacktrace(ctx.Log, err).Error("Control loop iteration failed")
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	s.lastSuccess[loop.Name] = now
	s.mu.Unlock()
	s.metrics.lastSuccess.WithLabelValues(loop.Name).Set(float64(now.UnixNano()) / 1e9)
}

func safeCall(ctx *logctx.Context, body func(*logctx.Context, Shard) error, shard Shard) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "panic in loop body")
			} else {
				err = errors.Errorf("panic in loop body: %v", r)
			}
		}
	}()
	return body(ctx, shard)
}

// Check returns an error for every loop whose last successful iteration, or the supervisor's start if there
// has been none, is older than heartbeatTolerance intervals.
func (s *Supervisor) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return errors.New("supervisor has not been started")
	}
	now := s.clock.Now()
	var result *multierror.Error
	for _, loop := range s.loops {
		last, ok := s.lastSuccess[loop.Name]
		if !ok {
			last = s.started
		}
		allowed := time.Duration(s.heartbeatTolerance) * loop.Interval
		if stale := now.Sub(last); stale > allowed {
			result = multierror.Append(result, errors.Errorf("loop %s has not succeeded for %s", loop.Name, stale))
		}
	}
	return result.ErrorOrNil()
}

// LoopNames returns the names of the registered loops in registration order.
func (s *Supervisor) LoopNames() []string {
	names := make([]string, len(s.loops))
	for i, loop := range s.loops {
		names[i] = loop.Name
	}
	return names
}
