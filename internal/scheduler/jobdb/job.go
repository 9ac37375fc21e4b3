package jobdb

import (
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
)

// ResourceRequest describes how much of a quantized resource a job needs, e.g. {Unit: "gpu", Amount: 2}.
type ResourceRequest struct {
	Unit   string
	Amount int64
}

// ResourceAmount is an accounting record. Amounts may be fractional, e.g. gpu-hours.
type ResourceAmount struct {
	Unit   string
	Amount float64
}

// CancellationInfo records a request to cancel a job. Cancellation is a request, not a transition; the
// cancellation loop acts on it. Jobs that are not Cancellable ignore requests.
type CancellationInfo struct {
	IsCancelled bool
	RequestedBy string
	RequestTime time.Time
	Cancellable bool
}

// StepDetail is informational progress reported by the execution backend. Scheduling never looks at it.
type StepDetail struct {
	Index    int
	Name     string
	State    string
	Progress float64
	Message  string
}

// Cost holds what a job asked for and what it used. Reported is set once consumption has been handed to billing.
type Cost struct {
	Requested []ResourceAmount
	Consumed  []ResourceAmount
	Reported  bool
}

// Job is the scheduler's representation of a unit of work.
// Jobs are treated as immutable values: every transition returns a modified copy and leaves the receiver alone.
// Jobs handed to a JobRepository *must not* be subsequently modified.
type Job struct {
	// Opaque unique identifier, assigned at submission.
	Id string
	// Kind of work. Used to look up the resource pool and execution backend.
	Type string
	// Deduplication fingerprint. At most one non-terminal job per key may be active.
	Key string
	// Higher is scheduled first.
	Priority int64
	// Submission time. Earlier is scheduled first among equal priorities.
	Created time.Time
	State   State
	// Nil if the job needs no quantized resource.
	ResourceRequest *ResourceRequest
	ResourceState   ResourceState
	Cancellation    CancellationInfo
	Steps           []StepDetail
	Cost            Cost
	// Reference to the dispatch on the execution backend. Empty until the job is dispatched.
	ExecutionHandle string
	// Number of times the job has been requeued after a dispatch failure or a stall.
	Attempts int
	// Number of times the job has been admitted. Each admission dispatches under its own key, so an execution
	// abandoned by an earlier admission is never handed back.
	Admissions int
	// Time of the last state transition or reported progress. Drives the revert, reset and deletion deadlines.
	LastProgressTime time.Time
	// Revision maintained by the store. Conditional updates compare against it.
	Version int64
}

// NewJob creates a queued job. All optional fields are unset.
func NewJob(id string, jobType string, key string, priority int64, created time.Time) *Job {
	return &Job{
		Id:               id,
		Type:             jobType,
		Key:              key,
		Priority:         priority,
		Created:          created,
		State:            Queued,
		ResourceState:    ResourceUnset,
		LastProgressTime: created,
	}
}

// WithResourceRequest returns a copy of the job requesting amount of unit.
func (job *Job) WithResourceRequest(unit string, amount int64) *Job {
	j := job.DeepCopy()
	j.ResourceRequest = &ResourceRequest{Unit: unit, Amount: amount}
	j.Cost.Requested = []ResourceAmount{{Unit: unit, Amount: float64(amount)}}
	return j
}

// WithCancellable returns a copy of the job with the cancellable flag set.
func (job *Job) WithCancellable(cancellable bool) *Job {
	j := job.DeepCopy()
	j.Cancellation.Cancellable = cancellable
	return j
}

func (job *Job) IsCancelRequested() bool {
	return job.Cancellation.IsCancelled
}

func (job *Job) InTerminalState() bool {
	return job.State.IsTerminal()
}

func (job *Job) IsActive() bool {
	return job.State.IsActive()
}

func (job *Job) HasResourceRequest() bool {
	return job.ResourceRequest != nil
}

// RequestedAmount returns the amount of quantized resource requested, or zero if there is no request.
func (job *Job) RequestedAmount() int64 {
	if job.ResourceRequest == nil {
		return 0
	}
	return job.ResourceRequest.Amount
}

// HoldsReservation returns true if the job currently counts against its pool.
func (job *Job) HoldsReservation() bool {
	return job.ResourceState == ResourceReserved
}

func (job *Job) HasExecutionHandle() bool {
	return job.ExecutionHandle != ""
}

// DispatchKey identifies the dispatch of the job's current admission. Execution backends must treat dispatches
// with the same key as idempotent.
func (job *Job) DispatchKey() string {
	return dispatchKey(job.Id, job.Admissions)
}

// Admit moves a queued job to READY_FOR_EXECUTION, reserving its resource if it requested one.
func (job *Job) Admit(now time.Time) (*Job, error) {
	if job.IsCancelRequested() {
		return nil, job.illegal(ReadyForExecution, "cancellation has been requested")
	}
	j, err := job.transition(ReadyForExecution, now)
	if err != nil {
		return nil, err
	}
	if j.HasResourceRequest() {
		j.ResourceState = ResourceReserved
	}
	j.Admissions++
	return j, nil
}

// Dispatch records the execution handle of a ready job and moves it to DISPATCHED.
func (job *Job) Dispatch(handle string, now time.Time) (*Job, error) {
	if handle == "" {
		return nil, job.illegal(Dispatched, "execution handle is empty")
	}
	j, err := job.transition(Dispatched, now)
	if err != nil {
		return nil, err
	}
	j.ExecutionHandle = handle
	return j, nil
}

// MarkRunning moves a dispatched job to RUNNING.
func (job *Job) MarkRunning(now time.Time) (*Job, error) {
	return job.transition(Running, now)
}

// Requeue returns an active job to QUEUED so that it re-enters admission. The reservation is released and the
// execution handle cleared.
func (job *Job) Requeue(now time.Time) (*Job, error) {
	if !job.IsActive() {
		return nil, job.illegal(Queued, "only active jobs can be requeued")
	}
	return job.transition(Queued, now)
}

// Retry counts a failed attempt. The job is requeued while attempts remain and failed once maxAttempts is reached.
func (job *Job) Retry(now time.Time, maxAttempts int) (*Job, error) {
	if !job.IsActive() {
		return nil, job.illegal(Queued, "only active jobs can be retried")
	}
	attempts := job.Attempts + 1
	var j *Job
	var err error
	if attempts >= maxAttempts {
		j, err = job.transition(Failed, now)
	} else {
		j, err = job.transition(Queued, now)
	}
	if err != nil {
		return nil, err
	}
	j.Attempts = attempts
	return j, nil
}

// Complete moves a dispatched or running job to COMPLETED.
func (job *Job) Complete(now time.Time) (*Job, error) {
	return job.transition(Completed, now)
}

// Fail moves any non-terminal job to FAILED.
func (job *Job) Fail(now time.Time) (*Job, error) {
	return job.transition(Failed, now)
}

// Cancel moves a non-terminal job to CANCELLED. Only jobs that are cancellable and have had cancellation
// requested may be cancelled.
func (job *Job) Cancel(now time.Time) (*Job, error) {
	if !job.Cancellation.Cancellable {
		return nil, job.illegal(Cancelled, "job is not cancellable")
	}
	if !job.IsCancelRequested() {
		return nil, job.illegal(Cancelled, "cancellation has not been requested")
	}
	return job.transition(Cancelled, now)
}

// RequestCancellation records a cancellation request. Terminal jobs and jobs that are not cancellable ignore the
// request, in which case the receiver is returned with false.
func (job *Job) RequestCancellation(requestedBy string, at time.Time) (*Job, bool) {
	if job.InTerminalState() || !job.Cancellation.Cancellable || job.IsCancelRequested() {
		return job, false
	}
	j := job.DeepCopy()
	j.Cancellation.IsCancelled = true
	j.Cancellation.RequestedBy = requestedBy
	j.Cancellation.RequestTime = at
	return j, true
}

// WithProgress returns a copy carrying the supplied step details and consumed resources. LastProgressTime only
// advances if something changed. The boolean reports whether anything changed.
func (job *Job) WithProgress(steps []StepDetail, consumed []ResourceAmount, now time.Time) (*Job, bool) {
	if stepsEqual(job.Steps, steps) && amountsEqual(job.Cost.Consumed, consumed) {
		return job, false
	}
	j := job.DeepCopy()
	j.Steps = copySteps(steps)
	j.Cost.Consumed = copyAmounts(consumed)
	j.LastProgressTime = now
	return j, true
}

// MarkCostReported flags a terminal job's consumption as handed over to billing.
func (job *Job) MarkCostReported() (*Job, error) {
	if !job.InTerminalState() {
		return nil, errors.WithStack(&schedulererrors.ErrInvalidArgument{
			Name:    "state",
			Value:   job.State,
			Message: "cost can only be reported for terminal jobs",
		})
	}
	j := job.DeepCopy()
	j.Cost.Reported = true
	return j, nil
}

// DeepCopy deep copies the entire job.
func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	j := *job
	if job.ResourceRequest != nil {
		request := *job.ResourceRequest
		j.ResourceRequest = &request
	}
	j.Steps = copySteps(job.Steps)
	j.Cost.Requested = copyAmounts(job.Cost.Requested)
	j.Cost.Consumed = copyAmounts(job.Cost.Consumed)
	return &j
}

// transition copies the job into state to, releasing the reservation and clearing the handle when the job leaves
// the active states.
func (job *Job) transition(to State, now time.Time) (*Job, error) {
	if !CanTransition(job.State, to) {
		return nil, job.illegal(to, "")
	}
	j := job.DeepCopy()
	j.State = to
	j.LastProgressTime = now
	if to == Queued || to.IsTerminal() {
		j.ResourceState = ResourceUnset
	}
	if to == Queued {
		j.ExecutionHandle = ""
	}
	return j, nil
}

func (job *Job) illegal(to State, reason string) error {
	return errors.WithStack(&schedulererrors.ErrIllegalStateTransition{
		JobId:  job.Id,
		From:   job.State.String(),
		To:     to.String(),
		Reason: reason,
	})
}

func copySteps(steps []StepDetail) []StepDetail {
	if len(steps) == 0 {
		return nil
	}
	return append([]StepDetail(nil), steps...)
}

func copyAmounts(amounts []ResourceAmount) []ResourceAmount {
	if len(amounts) == 0 {
		return nil
	}
	return append([]ResourceAmount(nil), amounts...)
}

func stepsEqual(a, b []StepDetail) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func amountsEqual(a, b []ResourceAmount) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
