package health

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Checker reports whether a component is healthy. A nil error means healthy.
type Checker interface {
	Check() error
}

// StartupCompleteChecker is unhealthy until MarkComplete has been called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}
