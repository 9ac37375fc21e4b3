package leader

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
)

const (
	leasesTable   = "leases"
	resourceIndex = "id"
)

type lease struct {
	Resource  string
	Holder    string
	ExpiresAt time.Time
}

// MemoryElector keeps leases in process memory. It only coordinates goroutines of one process, which is enough
// for a single-instance deployment and for tests.
type MemoryElector struct {
	db    *memdb.MemDB
	clock clock.Clock
}

func NewMemoryElector(clock clock.Clock) (*MemoryElector, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			leasesTable: {
				Name: leasesTable,
				Indexes: map[string]*memdb.IndexSchema{
					resourceIndex: {
						Name:    resourceIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Resource"},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryElector{db: db, clock: clock}, nil
}

func (e *MemoryElector) StandForElection(_ *logctx.Context, holder string, resource string, validity time.Duration) (bool, error) {
	if err := validateElection(holder, resource, validity); err != nil {
		return false, err
	}
	txn := e.db.Txn(true)
	defer txn.Abort()
	now := e.clock.Now()
	obj, err := txn.First(leasesTable, resourceIndex, resource)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if obj != nil {
		current := obj.(*lease)
		if current.Holder != holder && now.Before(current.ExpiresAt) {
			return false, nil
		}
	}
	if err := txn.Insert(leasesTable, &lease{Resource: resource, Holder: holder, ExpiresAt: now.Add(validity)}); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	return true, nil
}

func (e *MemoryElector) Resign(_ *logctx.Context, holder string, resource string) error {
	txn := e.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(leasesTable, resourceIndex, resource)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil || obj.(*lease).Holder != holder {
		return nil
	}
	if err := txn.Delete(leasesTable, obj); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}
