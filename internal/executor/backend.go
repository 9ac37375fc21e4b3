// Package executor defines the contract between the scheduler and whatever actually runs admitted jobs.
package executor

import (
	"github.com/pkg/errors"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

// ErrUnknownHandle is returned by QueryStatus and Cancel when the backend has no record of an execution handle,
// e.g. because the process running it has gone away.
var ErrUnknownHandle = errors.New("unknown execution handle")

// Status is the backend's view of a dispatched job.
type Status struct {
	// One of Dispatched, Running, Completed, Failed or Cancelled.
	State    jobdb.State
	Steps    []jobdb.StepDetail
	Consumed []jobdb.ResourceAmount
	Message  string
}

// Backend is an opaque dispatch target.
// Dispatch must be idempotent on job.DispatchKey(): dispatching the same admission twice returns the same handle.
type Backend interface {
	Dispatch(ctx *logctx.Context, job *jobdb.Job) (string, error)
	Cancel(ctx *logctx.Context, handle string) error
	QueryStatus(ctx *logctx.Context, handle string) (Status, error)
}

// IsUnknownHandle returns true if err reports that the backend does not know a handle.
func IsUnknownHandle(err error) bool {
	return errors.Is(err, ErrUnknownHandle)
}
