package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

const metricsPrefix = "jobadmit_"

// Metrics are the scheduler's domain metrics. Loop latency, errors and heartbeats are recorded by the
// supervisor running the loops.
type Metrics struct {
	admitted    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	raceLost    *prometheus.CounterVec
	deleted     prometheus.Counter
	reserved    *prometheus.GaugeVec
	capacity    *prometheus.GaugeVec
	drift       *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		admitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "admitted_jobs_total",
			Help: "Number of jobs moved to READY_FOR_EXECUTION",
		}, []string{"pool"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "job_transitions_total",
			Help: "Number of job state transitions written, by loop and destination state",
		}, []string{"loop", "state"}),
		raceLost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "race_lost_total",
			Help: "Number of conditional updates skipped because the job had changed",
		}, []string{"loop"}),
		deleted: factory.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "deleted_jobs_total",
			Help: "Number of terminal jobs removed after the retention window",
		}),
		reserved: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricsPrefix + "pool_reserved",
			Help: "Amount of each pool's resource held by reservations",
		}, []string{"pool"}),
		capacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricsPrefix + "pool_capacity",
			Help: "Capacity of each pool",
		}, []string{"pool"}),
		drift: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "reservation_corrections_total",
			Help: "Number of reservations corrected by the recovery loop, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) recordTransition(loop string, to jobdb.State) {
	m.transitions.WithLabelValues(loop, to.String()).Inc()
}

func (m *Metrics) recordRaceLost(loop string) {
	m.raceLost.WithLabelValues(loop).Inc()
}

func (m *Metrics) recordPool(pool string, reserved int64, capacity int64) {
	m.reserved.WithLabelValues(pool).Set(float64(reserved))
	m.capacity.WithLabelValues(pool).Set(float64(capacity))
}
