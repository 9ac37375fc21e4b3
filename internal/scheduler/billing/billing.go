// Package billing hands the resource consumption of finished jobs to an accounting sink.
package billing

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// Reporter records the consumption of a terminal job. Reporters may be called more than once for the same job,
// e.g. when the job's reported flag could not be stored, and must not double count.
type Reporter interface {
	Report(ctx *logctx.Context, job *jobdb.Job) error
}

// LogReporter writes consumption to the log. Useful when billing is handled by log processing.
type LogReporter struct{}

func (LogReporter) Report(ctx *logctx.Context, job *jobdb.Job) error {
	fields := logrus.Fields{
		"jobId":   job.Id,
		"jobType": job.Type,
		"state":   job.State.String(),
	}
	for _, amount := range job.Cost.Consumed {
		fields["consumed_"+amount.Unit] = amount.Amount
	}
	for _, amount := range job.Cost.Requested {
		fields["requested_"+amount.Unit] = amount.Amount
	}
	ctx.Log.WithFields(fields).Info("Job cost")
	return nil
}

const (
	usageKeyPrefix    = "usage:"
	reportedKeyPrefix = "billed:"
	// How long the record of a job having been billed is kept. Longer than any retention window.
	reportedMarkerTtl = 30 * 24 * time.Hour
)

// Marks the job as billed and adds its consumption to the per-type usage hash, unless it was billed before.
var reportUsageScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
	return 0
end
for i = 2, #ARGV, 2 do
	redis.call('HINCRBYFLOAT', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

// RedisUsageReporter accumulates consumption into one hash per job type, keyed usage:<type>, with one field
// per unit. A jobs field counts the jobs billed.
type RedisUsageReporter struct {
	db redis.UniversalClient
}

func NewRedisUsageReporter(db redis.UniversalClient) *RedisUsageReporter {
	return &RedisUsageReporter{db: db}
}

func (r *RedisUsageReporter) Report(ctx *logctx.Context, job *jobdb.Job) error {
	args := []interface{}{reportedMarkerTtl.Milliseconds(), "jobs", "1"}
	for _, amount := range job.Cost.Consumed {
		args = append(args, amount.Unit, strconv.FormatFloat(amount.Amount, 'f', -1, 64))
	}
	billed, err := reportUsageScript.Run(ctx, r.db, []string{reportedKeyPrefix + job.Id, usageKeyPrefix + job.Type}, args...).Int()
	if err != nil {
		return schedulererrors.StoreUnavailable("redis", "reportUsage", err)
	}
	if billed == 0 {
		ctx.Log.Debugf("Job %s has already been billed", job.Id)
	}
	return nil
}

// Usage returns the accumulated consumption of jobType, by unit.
func (r *RedisUsageReporter) Usage(ctx *logctx.Context, jobType string) (map[string]float64, error) {
	values, err := r.db.HGetAll(ctx, usageKeyPrefix+jobType).Result()
	if err != nil {
		return nil, schedulererrors.StoreUnavailable("redis", "usage", err)
	}
	usage := make(map[string]float64, len(values))
	for unit, value := range values {
		amount, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing usage of %s for %s", unit, jobType)
		}
		usage[unit] = amount
	}
	return usage, nil
}
