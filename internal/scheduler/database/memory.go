package database

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

const (
	jobsTable  = "jobs"
	idIndex    = "id"    // lookup by primary key
	stateIndex = "state" // lookup jobs in a given state
	keyIndex   = "key"   // lookup jobs sharing a deduplication key
)

// MemoryJobRepository is a JobRepository held in process memory, for tests and single-instance deployments.
// It is implemented on top of https://github.com/hashicorp/go-memdb. Write transactions are serialised, which is
// what makes Update a compare-and-set.
type MemoryJobRepository struct {
	db *memdb.MemDB
}

func NewMemoryJobRepository() (*MemoryJobRepository, error) {
	db, err := memdb.NewMemDB(jobsSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryJobRepository{db: db}, nil
}

func (r *MemoryJobRepository) EnsureSchema(_ *logctx.Context) error {
	return nil
}

func (r *MemoryJobRepository) Insert(_ *logctx.Context, jobs ...*jobdb.Job) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	for _, job := range jobs {
		existing, err := txn.First(jobsTable, idIndex, job.Id)
		if err != nil {
			return errors.WithStack(err)
		}
		if existing != nil {
			return errors.WithStack(&schedulererrors.ErrAlreadyExists{Type: "job", Value: job.Id})
		}
		stored := job.DeepCopy()
		stored.Version = 1
		if err := txn.Insert(jobsTable, stored); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (r *MemoryJobRepository) GetById(_ *logctx.Context, id string) (*jobdb.Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	job, err := getById(txn, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.WithStack(&schedulererrors.ErrNotFound{Type: "job", Value: id})
	}
	return job.DeepCopy(), nil
}

func (r *MemoryJobRepository) Find(_ *logctx.Context, filter JobFilter, limit int) ([]*jobdb.Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	jobs, err := scan(txn, filter)
	if err != nil {
		return nil, err
	}
	return sortAndLimit(jobs, limit), nil
}

func (r *MemoryJobRepository) ReservedAmountByType(_ *logctx.Context, types []string) (map[string]int64, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	reserved := jobdb.ResourceReserved
	jobs, err := scan(txn, JobFilter{Types: types, ResourceState: &reserved})
	if err != nil {
		return nil, err
	}
	amounts := map[string]int64{}
	for _, job := range jobs {
		amounts[job.Type] += job.RequestedAmount()
	}
	return amounts, nil
}

func (r *MemoryJobRepository) FetchAdmissionCandidates(_ *logctx.Context, types []string, limit int) ([]*jobdb.Job, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	notCancelled := false
	queued, err := scan(txn, JobFilter{Types: types, States: &QueuedStates, CancelRequested: &notCancelled})
	if err != nil {
		return nil, err
	}
	activeByKey := map[string]bool{}
	candidates := make([]*jobdb.Job, 0, len(queued))
	for _, job := range queued {
		active, seen := activeByKey[job.Key]
		if !seen {
			active, err = keyHasActiveJob(txn, job.Key)
			if err != nil {
				return nil, err
			}
			activeByKey[job.Key] = active
		}
		if !active {
			candidates = append(candidates, job)
		}
	}
	return sortAndLimit(candidates, limit), nil
}

func (r *MemoryJobRepository) Update(_ *logctx.Context, expected *jobdb.Job, updated *jobdb.Job) (*jobdb.Job, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	current, err := getById(txn, expected.Id)
	if err != nil {
		return nil, err
	}
	if current == nil ||
		current.Version != expected.Version ||
		current.State != expected.State ||
		current.IsCancelRequested() != expected.IsCancelRequested() {
		return nil, errors.WithStack(&schedulererrors.ErrAdmissionRaceLost{JobId: expected.Id, Operation: "update"})
	}
	stored := updated.DeepCopy()
	stored.Version = current.Version + 1
	if err := txn.Insert(jobsTable, stored); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return stored.DeepCopy(), nil
}

func (r *MemoryJobRepository) RequestCancellation(_ *logctx.Context, id string, requestedBy string, at time.Time) (bool, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	current, err := getById(txn, id)
	if err != nil || current == nil {
		return false, err
	}
	requested, ok := current.RequestCancellation(requestedBy, at)
	if !ok {
		return false, nil
	}
	requested.Version = current.Version + 1
	if err := txn.Insert(jobsTable, requested); err != nil {
		return false, errors.WithStack(err)
	}
	txn.Commit()
	return true, nil
}

func (r *MemoryJobRepository) ReleaseReservations(_ *logctx.Context, states StateRange) (int64, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	reserved := jobdb.ResourceReserved
	jobs, err := scan(txn, JobFilter{States: &states, ResourceState: &reserved})
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		released := job.DeepCopy()
		released.ResourceState = jobdb.ResourceUnset
		released.Version++
		if err := txn.Insert(jobsTable, released); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return int64(len(jobs)), nil
}

func (r *MemoryJobRepository) DeleteTerminalBefore(_ *logctx.Context, cutoff time.Time, requireReported bool) (int64, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	filter := JobFilter{States: &TerminalStates, ProgressBefore: cutoff}
	if requireReported {
		reported := true
		filter.CostReported = &reported
	}
	jobs, err := scan(txn, filter)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if err := txn.Delete(jobsTable, job); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return int64(len(jobs)), nil
}

func getById(txn *memdb.Txn, id string) (*jobdb.Job, error) {
	obj, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*jobdb.Job), nil
}

// scan returns copies of every job matching filter. The state index is used when the filter names states.
func scan(txn *memdb.Txn, filter JobFilter) ([]*jobdb.Job, error) {
	var iterators []memdb.ResultIterator
	if filter.States != nil {
		for _, state := range jobdb.AllStates() {
			if !filter.States.Contains(state) {
				continue
			}
			it, err := txn.Get(jobsTable, stateIndex, state)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			iterators = append(iterators, it)
		}
	} else {
		it, err := txn.Get(jobsTable, idIndex)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		iterators = append(iterators, it)
	}
	var jobs []*jobdb.Job
	for _, it := range iterators {
		for obj := it.Next(); obj != nil; obj = it.Next() {
			job := obj.(*jobdb.Job)
			if filter.Matches(job) {
				jobs = append(jobs, job.DeepCopy())
			}
		}
	}
	return jobs, nil
}

func keyHasActiveJob(txn *memdb.Txn, key string) (bool, error) {
	it, err := txn.Get(jobsTable, keyIndex, key)
	if err != nil {
		return false, errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if obj.(*jobdb.Job).IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func sortAndLimit(jobs []*jobdb.Job, limit int) []*jobdb.Job {
	jobdb.SortForAdmission(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// jobsSchema creates the database schema.
// This is a simple schema consisting of a single "jobs" table with indexes for fast lookups
func jobsSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	indexes[stateIndex] = &memdb.IndexSchema{
		Name:    stateIndex,
		Unique:  false,
		Indexer: &memdb.IntFieldIndex{Field: "State"},
	}
	indexes[keyIndex] = &memdb.IndexSchema{
		Name:         keyIndex,
		Unique:       false,
		AllowMissing: true,
		Indexer:      &memdb.StringFieldIndex{Field: "Key"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: indexes,
			},
		},
	}
}
