package fake

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/executor"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

type execution struct {
	handle     string
	jobId      string
	unit       string
	amount     int64
	started    time.Time
	cancelled  bool
	overridden *executor.Status
}

// Backend is an in-process execution backend. Every dispatched job runs for a fixed duration and then completes,
// consuming "<unit>-hours" proportional to its request. Tests may override the status of any handle.
type Backend struct {
	runtime     time.Duration
	clock       clock.Clock
	mu          sync.Mutex
	byKey       map[string]*execution
	byHandle    map[string]*execution
	dispatchErr error
}

func NewBackend(runtime time.Duration, clock clock.Clock) *Backend {
	return &Backend{
		runtime:  runtime,
		clock:    clock,
		byKey:    map[string]*execution{},
		byHandle: map[string]*execution{},
	}
}

func (b *Backend) Dispatch(ctx *logctx.Context, job *jobdb.Job) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dispatchErr != nil {
		return "", b.dispatchErr
	}
	key := job.DispatchKey()
	if existing, ok := b.byKey[key]; ok {
		return existing.handle, nil
	}
	e := &execution{
		handle:  uuid.NewString(),
		jobId:   job.Id,
		started: b.clock.Now(),
	}
	if job.ResourceRequest != nil {
		e.unit = job.ResourceRequest.Unit
		e.amount = job.ResourceRequest.Amount
	}
	b.byKey[key] = e
	b.byHandle[e.handle] = e
	ctx.Log.Debugf("fake backend dispatched job %s as %s", job.Id, e.handle)
	return e.handle, nil
}

func (b *Backend) Cancel(_ *logctx.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byHandle[handle]
	if !ok {
		return errors.WithStack(executor.ErrUnknownHandle)
	}
	e.cancelled = true
	return nil
}

func (b *Backend) QueryStatus(_ *logctx.Context, handle string) (executor.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byHandle[handle]
	if !ok {
		return executor.Status{}, errors.WithStack(executor.ErrUnknownHandle)
	}
	if e.overridden != nil {
		return *e.overridden, nil
	}
	elapsed := b.clock.Since(e.started)
	status := executor.Status{State: jobdb.Running}
	progress := 1.0
	if b.runtime > 0 && elapsed < b.runtime {
		progress = float64(elapsed) / float64(b.runtime)
	}
	switch {
	case e.cancelled:
		status.State = jobdb.Cancelled
	case progress >= 1:
		status.State = jobdb.Completed
		elapsed = b.runtime
	}
	status.Steps = []jobdb.StepDetail{{Index: 0, Name: "run", State: status.State.String(), Progress: progress}}
	if e.unit != "" {
		status.Consumed = []jobdb.ResourceAmount{{Unit: e.unit + "-hours", Amount: float64(e.amount) * elapsed.Hours()}}
	}
	return status, nil
}

// SetStatus pins the status reported for handle.
func (b *Backend) SetStatus(handle string, status executor.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.byHandle[handle]; ok {
		e.overridden = &status
	}
}

// Forget drops all record of handle, simulating a backend that lost the process.
func (b *Backend) Forget(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.byHandle[handle]; ok {
		delete(b.byHandle, handle)
		for key, other := range b.byKey {
			if other == e {
				delete(b.byKey, key)
			}
		}
	}
}

// FailDispatches makes every subsequent Dispatch return err. Pass nil to restore normal behaviour.
func (b *Backend) FailDispatches(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchErr = err
}

// IsCancelled reports whether Cancel has been called for handle.
func (b *Backend) IsCancelled(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byHandle[handle]
	return ok && e.cancelled
}

// Dispatches returns the number of distinct dispatch keys seen.
func (b *Backend) Dispatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byKey)
}
