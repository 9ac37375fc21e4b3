package database

import (
	"math"
	"time"

	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// StateRange is an inclusive range of state ordinals.
type StateRange struct {
	From jobdb.State
	To   jobdb.State
}

var (
	QueuedStates      = OnlyState(jobdb.Queued)
	ActiveStates      = StateRange{From: jobdb.FirstActiveState, To: jobdb.FirstTerminalState - 1}
	NonTerminalStates = StateRange{From: jobdb.Queued, To: jobdb.FirstTerminalState - 1}
	TerminalStates    = StateRange{From: jobdb.FirstTerminalState, To: math.MaxInt32}
)

func OnlyState(state jobdb.State) StateRange {
	return StateRange{From: state, To: state}
}

func (r StateRange) Contains(state jobdb.State) bool {
	return state >= r.From && state <= r.To
}

// JobFilter selects jobs. Unset fields do not constrain the result.
type JobFilter struct {
	Ids             []string
	Types           []string
	States          *StateRange
	CancelRequested *bool
	ResourceState   *jobdb.ResourceState
	HasHandle       *bool
	CostReported    *bool
	// If non-zero, only jobs whose LastProgressTime is strictly before this time match.
	ProgressBefore time.Time
}

// Matches evaluates the filter in process.
func (f JobFilter) Matches(job *jobdb.Job) bool {
	if len(f.Ids) > 0 && !slices.Contains(f.Ids, job.Id) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, job.Type) {
		return false
	}
	if f.States != nil && !f.States.Contains(job.State) {
		return false
	}
	if f.CancelRequested != nil && *f.CancelRequested != job.IsCancelRequested() {
		return false
	}
	if f.ResourceState != nil && *f.ResourceState != job.ResourceState {
		return false
	}
	if f.HasHandle != nil && *f.HasHandle != job.HasExecutionHandle() {
		return false
	}
	if f.CostReported != nil && *f.CostReported != job.Cost.Reported {
		return false
	}
	if !f.ProgressBefore.IsZero() && !job.LastProgressTime.Before(f.ProgressBefore) {
		return false
	}
	return true
}

// JobRepository is the job store shared by every control loop and every scheduler instance.
// All writes are conditional; concurrency between loops and instances is resolved here and nowhere else.
type JobRepository interface {
	// EnsureSchema creates tables and indexes. It is idempotent and intended to be called once at startup.
	EnsureSchema(ctx *logctx.Context) error

	// Insert stores new jobs with Version 1. Returns ErrAlreadyExists if any id is taken.
	Insert(ctx *logctx.Context, jobs ...*jobdb.Job) error

	// GetById returns the job with the given id or ErrNotFound.
	GetById(ctx *logctx.Context, id string) (*jobdb.Job, error)

	// Find returns up to limit jobs matching filter, in admission order. A limit <= 0 means no limit.
	Find(ctx *logctx.Context, filter JobFilter, limit int) ([]*jobdb.Job, error)

	// ReservedAmountByType sums the requested amount over jobs holding a reservation, grouped by type.
	// Types with nothing reserved are absent from the result.
	ReservedAmountByType(ctx *logctx.Context, types []string) (map[string]int64, error)

	// FetchAdmissionCandidates returns queued, not cancelled jobs of the given types whose key is not
	// already held by an active job, in admission order.
	FetchAdmissionCandidates(ctx *logctx.Context, types []string, limit int) ([]*jobdb.Job, error)

	// Update replaces expected with updated if the stored job still has expected's version, state and
	// cancellation flag. Returns the stored job, whose version has been incremented, or ErrAdmissionRaceLost
	// if the precondition no longer holds.
	Update(ctx *logctx.Context, expected *jobdb.Job, updated *jobdb.Job) (*jobdb.Job, error)

	// RequestCancellation marks a non-terminal, cancellable job as cancel-requested. Returns false if no such
	// job exists or the request was already recorded.
	RequestCancellation(ctx *logctx.Context, id string, requestedBy string, at time.Time) (bool, error)

	// ReleaseReservations sets ResourceState to UNSET for every reserved job with a state in states.
	ReleaseReservations(ctx *logctx.Context, states StateRange) (int64, error)

	// DeleteTerminalBefore removes terminal jobs whose LastProgressTime is before cutoff. If requireReported
	// is set, only jobs whose cost has been reported are removed.
	DeleteTerminalBefore(ctx *logctx.Context, cutoff time.Time, requireReported bool) (int64, error)
}
