// Package schedulererrors contains the error types shared by the job store, the state machine and the
// control loops.
//
// If multiple errors occur while processing a batch of jobs, the loop should return an error of type
// multierror.Error from package github.com/hashicorp/go-multierror that encapsulates those individual errors.
package schedulererrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrIllegalStateTransition is returned when a job is asked to move between two states that the state machine
// does not connect. The job is left untouched.
type ErrIllegalStateTransition struct {
	JobId string
	From  string
	To    string
	// Optional reason, e.g. "job is not cancellable"
	Reason string
}

func (err *ErrIllegalStateTransition) Error() string {
	s := fmt.Sprintf("job %s cannot transition from %s to %s", err.JobId, err.From, err.To)
	if err.Reason != "" {
		s += "; " + err.Reason
	}
	return s
}

// ErrAdmissionRaceLost indicates that a conditional update found a stale precondition, i.e. some other loop or
// instance got to the job first. This is expected and should be logged at debug level and skipped.
type ErrAdmissionRaceLost struct {
	JobId     string
	Operation string
}

func (err *ErrAdmissionRaceLost) Error() string {
	return fmt.Sprintf("lost race for job %s during %s", err.JobId, err.Operation)
}

// ErrStoreUnavailable wraps a transient failure talking to a backing store.
type ErrStoreUnavailable struct {
	Store     string
	Operation string
	Cause     error
}

func (err *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable during %s: %v", err.Store, err.Operation, err.Cause)
}

func (err *ErrStoreUnavailable) Unwrap() error {
	return err.Cause
}

// ErrCapacityExceeded indicates that more of a pool is reserved than the pool holds. This can happen transiently
// because admission is not globally atomic; the recovery loop corrects it.
type ErrCapacityExceeded struct {
	Pool     string
	Capacity int64
	Reserved int64
}

func (err *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("pool %s has %d reserved against a capacity of %d", err.Pool, err.Reserved, err.Capacity)
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job"
	Value   string // Resource name, e.g., the job id
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "priority"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// IsRaceLost returns true if any error in the chain is an ErrAdmissionRaceLost.
func IsRaceLost(err error) bool {
	var e *ErrAdmissionRaceLost
	return errors.As(err, &e)
}

// IsIllegalStateTransition returns true if any error in the chain is an ErrIllegalStateTransition.
func IsIllegalStateTransition(err error) bool {
	var e *ErrIllegalStateTransition
	return errors.As(err, &e)
}

// IsNotFound returns true if any error in the chain is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// StoreUnavailable wraps err as an ErrStoreUnavailable, preserving nil.
func StoreUnavailable(store, operation string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&ErrStoreUnavailable{
		Store:     store,
		Operation: operation,
		Cause:     err,
	})
}
