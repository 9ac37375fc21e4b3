// Package submit holds the control-plane operations the scheduler depends on: writing new queued jobs and
// recording cancellation requests.
package submit

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/common/util"
	"github.com/armadaproject/jobadmit/internal/scheduler/database"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobtype"
)

// Request describes a job to be submitted.
type Request struct {
	Type string `validate:"required"`
	// Deduplication fingerprint. Jobs sharing a key never run concurrently.
	Key      string `validate:"required"`
	Priority int64
	// Unit of the requested resource. Optional; if set it must match the job type's pool.
	Unit string
	// Amount of the pool's resource the job needs. Zero means none.
	Amount int64 `validate:"gte=0"`
	// Defaults to true.
	Cancellable *bool
}

type Service struct {
	repo     database.JobRepository
	registry *jobtype.Registry
	clock    clock.Clock
	validate *validator.Validate
}

func NewService(repo database.JobRepository, registry *jobtype.Registry, clock clock.Clock) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		clock:    clock,
		validate: validator.New(),
	}
}

// Submit validates the requests and stores one QUEUED job per request. Either all jobs are submitted or, if any
// request is invalid, none are. The ids of the new jobs are returned in request order.
func (s *Service) Submit(ctx *logctx.Context, requests ...Request) ([]string, error) {
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	jobs := make([]*jobdb.Job, 0, len(requests))
	for i, request := range requests {
		job, err := s.toJob(request, now)
		if err != nil {
			return nil, errors.WithMessagef(err, "request %d", i)
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	if err := s.repo.Insert(ctx, jobs...); err != nil {
		return nil, err
	}
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.Id
		ctx.Log.WithField("jobId", job.Id).Infof("Submitted job of type %s with key %s", job.Type, job.Key)
	}
	return ids, nil
}

func (s *Service) toJob(request Request, now time.Time) (*jobdb.Job, error) {
	if err := s.validate.Struct(request); err != nil {
		return nil, errors.WithStack(err)
	}
	pool, ok := s.registry.PoolFor(request.Type)
	if !ok {
		return nil, errors.WithStack(&schedulererrors.ErrInvalidArgument{
			Name:    "type",
			Value:   request.Type,
			Message: "job type is not registered",
		})
	}
	if request.Unit != "" && request.Unit != pool.Unit {
		return nil, errors.WithStack(&schedulererrors.ErrInvalidArgument{
			Name:    "unit",
			Value:   request.Unit,
			Message: "pool " + pool.Name + " is measured in " + pool.Unit,
		})
	}
	if request.Amount > 0 && !pool.Metered() {
		return nil, errors.WithStack(&schedulererrors.ErrInvalidArgument{
			Name:    "amount",
			Value:   request.Amount,
			Message: "pool " + pool.Name + " is unmetered",
		})
	}
	if request.Amount > pool.Capacity && pool.Metered() {
		return nil, errors.WithStack(&schedulererrors.ErrInvalidArgument{
			Name:    "amount",
			Value:   request.Amount,
			Message: "exceeds the capacity of pool " + pool.Name,
		})
	}

	cancellable := true
	if request.Cancellable != nil {
		cancellable = *request.Cancellable
	}
	job := jobdb.NewJob(util.NewULID(), request.Type, request.Key, request.Priority, now).WithCancellable(cancellable)
	if request.Amount > 0 {
		job = job.WithResourceRequest(pool.Unit, request.Amount)
	}
	return job, nil
}

// Cancel records a cancellation request against a job. It returns false if the request was ignored because the
// job is terminal, not cancellable, or already has a request recorded. The cancellation loop does the rest.
func (s *Service) Cancel(ctx *logctx.Context, id string, requestedBy string) (bool, error) {
	requested, err := s.repo.RequestCancellation(ctx, id, requestedBy, s.clock.Now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return false, err
	}
	if requested {
		ctx.Log.WithField("jobId", id).Infof("Cancellation requested by %s", requestedBy)
		return true, nil
	}
	// Distinguish a missing job from an ignored request.
	if _, err := s.repo.GetById(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
