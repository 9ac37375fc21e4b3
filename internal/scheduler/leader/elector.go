// Package leader provides short-lived, uniquely owned leases over named resources. Leases gate singleton periodic
// work when several scheduler instances run against the same job store.
package leader

import (
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
)

// Elector hands out leases.
type Elector interface {
	// StandForElection creates or renews the lease on resource for holder, valid for validity. It returns true if
	// holder now holds the lease and false, leaving the lease untouched, if another holder has an unexpired one.
	StandForElection(ctx *logctx.Context, holder string, resource string, validity time.Duration) (bool, error)
	// Resign gives up the lease on resource if holder has it.
	Resign(ctx *logctx.Context, holder string, resource string) error
}

func validateElection(holder string, resource string, validity time.Duration) error {
	if holder == "" {
		return errors.WithStack(&schedulererrors.ErrInvalidArgument{Name: "holder", Value: holder, Message: "must not be empty"})
	}
	if resource == "" {
		return errors.WithStack(&schedulererrors.ErrInvalidArgument{Name: "resource", Value: resource, Message: "must not be empty"})
	}
	if validity < time.Millisecond {
		return errors.WithStack(&schedulererrors.ErrInvalidArgument{Name: "validity", Value: validity, Message: "must be at least 1ms"})
	}
	return nil
}

// Gate runs a function only while this instance holds a lease. The lease is renewed on every call, so an
// instance that keeps calling Do within the validity window keeps the lease.
type Gate struct {
	elector  Elector
	holder   string
	resource string
	validity time.Duration
}

func NewGate(elector Elector, holder string, resource string, validity time.Duration) *Gate {
	return &Gate{
		elector:  elector,
		holder:   holder,
		resource: resource,
		validity: validity,
	}
}

// Do calls f if this instance wins the election. The boolean reports whether f was called.
func (g *Gate) Do(ctx *logctx.Context, f func(ctx *logctx.Context) error) (bool, error) {
	elected, err := g.elector.StandForElection(ctx, g.holder, g.resource, g.validity)
	if err != nil {
		return false, errors.WithMessagef(err, "standing for election on %s", g.resource)
	}
	if !elected {
		ctx.Log.Debugf("Another instance holds the %s lease", g.resource)
		return false, nil
	}
	return true, f(logctx.WithLogField(ctx, "lease", g.resource))
}

// Resign releases the gate's lease.
func (g *Gate) Resign(ctx *logctx.Context) error {
	return g.elector.Resign(ctx, g.holder, g.resource)
}
