package database

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
	"github.com/armadaproject/jobadmit/internal/scheduler/jobdb"
)

const (
	postgresStore     = "postgres"
	jobsTableName     = "jobs"
	defaultPruneBatch = 10000
)

var jobColumns = []string{
	"id",
	"type",
	"dedup_key",
	"priority",
	"created",
	"state",
	"resource_unit",
	"resource_amount",
	"resource_state",
	"cancel_requested",
	"cancellable",
	"cancel_requested_by",
	"cancel_request_time",
	"steps",
	"cost_requested",
	"cost_consumed",
	"cost_reported",
	"execution_handle",
	"attempts",
	"admissions",
	"last_progress_time",
	"version",
}

// PostgresJobRepository is an implementation of JobRepository that stores its state in postgres.
// Dynamic filters are built with goqu; the admission query is hand-written because it needs an anti-join.
type PostgresJobRepository struct {
	// pool of database connections
	db *pgxpool.Pool
	// maximum number of rows to delete in a single statement when pruning
	pruneBatchSize int
	dialect        goqu.DialectWrapper
}

func NewPostgresJobRepository(db *pgxpool.Pool, pruneBatchSize int) *PostgresJobRepository {
	if pruneBatchSize <= 0 {
		pruneBatchSize = defaultPruneBatch
	}
	return &PostgresJobRepository{
		db:             db,
		pruneBatchSize: pruneBatchSize,
		dialect:        goqu.Dialect("postgres"),
	}
}

func (r *PostgresJobRepository) EnsureSchema(ctx *logctx.Context) error {
	return Migrate(ctx, r.db)
}

func (r *PostgresJobRepository) Insert(ctx *logctx.Context, jobs ...*jobdb.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	rows := make([]interface{}, len(jobs))
	for i, job := range jobs {
		stored := job.DeepCopy()
		stored.Version = 1
		row, err := toRow(stored)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	sql, args, err := r.dialect.Insert(jobsTableName).Rows(rows...).Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return errors.WithStack(&schedulererrors.ErrAlreadyExists{Type: "job", Value: duplicateIds(jobs), Message: pgErr.Detail})
		}
		return schedulererrors.StoreUnavailable(postgresStore, "insert", err)
	}
	return nil
}

func (r *PostgresJobRepository) GetById(ctx *logctx.Context, id string) (*jobdb.Job, error) {
	jobs, err := r.Find(ctx, JobFilter{Ids: []string{id}}, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.WithStack(&schedulererrors.ErrNotFound{Type: "job", Value: id})
	}
	return jobs[0], nil
}

func (r *PostgresJobRepository) Find(ctx *logctx.Context, filter JobFilter, limit int) ([]*jobdb.Job, error) {
	ds := r.dialect.
		From(jobsTableName).
		Select(columns()...).
		Where(filterExpressions(filter)...).
		Order(goqu.C("priority").Desc(), goqu.C("created").Asc(), goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return r.query(ctx, "find", sql, args...)
}

func (r *PostgresJobRepository) ReservedAmountByType(ctx *logctx.Context, types []string) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT type, COALESCE(SUM(resource_amount), 0)
		FROM jobs
		WHERE resource_state = $1 AND type = ANY($2)
		GROUP BY type`, int(jobdb.ResourceReserved), types)
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(postgresStore, "reservedAmountByType", err)
	}
	defer rows.Close()
	amounts := map[string]int64{}
	for rows.Next() {
		var jobType string
		var amount int64
		if err := rows.Scan(&jobType, &amount); err != nil {
			return nil, errors.WithStack(err)
		}
		amounts[jobType] = amount
	}
	return amounts, schedulererrors.StoreUnavailable(postgresStore, "reservedAmountByType", rows.Err())
}

func (r *PostgresJobRepository) FetchAdmissionCandidates(ctx *logctx.Context, types []string, limit int) ([]*jobdb.Job, error) {
	var rowLimit *int64
	if limit > 0 {
		l := int64(limit)
		rowLimit = &l
	}
	sql := `
		SELECT ` + qualifiedColumns("j") + `
		FROM jobs j
		WHERE j.state = $1
		  AND NOT j.cancel_requested
		  AND j.type = ANY($2)
		  AND NOT EXISTS (
		      SELECT 1 FROM jobs a
		      WHERE a.dedup_key = j.dedup_key AND a.state BETWEEN $3 AND $4)
		ORDER BY j.priority DESC, j.created ASC, j.id ASC
		LIMIT $5`
	return r.query(ctx, "fetchAdmissionCandidates", sql,
		int(jobdb.Queued), types, int(ActiveStates.From), int(ActiveStates.To), rowLimit)
}

func (r *PostgresJobRepository) Update(ctx *logctx.Context, expected *jobdb.Job, updated *jobdb.Job) (*jobdb.Job, error) {
	row, err := toRow(updated)
	if err != nil {
		return nil, err
	}
	delete(row, "id")
	row["version"] = goqu.L("version + 1")
	sql, args, err := r.dialect.
		Update(jobsTableName).
		Set(row).
		Where(
			goqu.C("id").Eq(expected.Id),
			goqu.C("version").Eq(expected.Version),
			goqu.C("state").Eq(int(expected.State)),
			goqu.C("cancel_requested").Eq(expected.IsCancelRequested()),
		).
		Returning("version").
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var version int64
	err = r.db.QueryRow(ctx, sql, args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&schedulererrors.ErrAdmissionRaceLost{JobId: expected.Id, Operation: "update"})
	}
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(postgresStore, "update", err)
	}
	stored := updated.DeepCopy()
	stored.Version = version
	return stored, nil
}

func (r *PostgresJobRepository) RequestCancellation(ctx *logctx.Context, id string, requestedBy string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET cancel_requested = true, cancel_requested_by = $2, cancel_request_time = $3, version = version + 1
		WHERE id = $1 AND state < $4 AND cancellable AND NOT cancel_requested`,
		id, requestedBy, at.UTC(), int(jobdb.FirstTerminalState))
	if err != nil {
		return false, schedulererrors.StoreUnavailable(postgresStore, "requestCancellation", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) ReleaseReservations(ctx *logctx.Context, states StateRange) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET resource_state = $1, version = version + 1
		WHERE resource_state = $2 AND state BETWEEN $3 AND $4`,
		int(jobdb.ResourceUnset), int(jobdb.ResourceReserved), int(states.From), int(states.To))
	if err != nil {
		return 0, schedulererrors.StoreUnavailable(postgresStore, "releaseReservations", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalBefore removes terminal jobs in batches. If it fails midway through it may still have deleted
// some jobs.
func (r *PostgresJobRepository) DeleteTerminalBefore(ctx *logctx.Context, cutoff time.Time, requireReported bool) (int64, error) {
	start := time.Now()
	reportedClause := ""
	if requireReported {
		reportedClause = "AND cost_reported"
	}
	sql := `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs
			WHERE state >= $1 AND last_progress_time < $2 ` + reportedClause + `
			LIMIT $3)`
	var deleted int64
	for {
		tag, err := r.db.Exec(ctx, sql, int(jobdb.FirstTerminalState), cutoff.UTC(), r.pruneBatchSize)
		if err != nil {
			return deleted, schedulererrors.StoreUnavailable(postgresStore, "deleteTerminalBefore", err)
		}
		deleted += tag.RowsAffected()
		if tag.RowsAffected() < int64(r.pruneBatchSize) {
			break
		}
		ctx.Log.Infof("Deleted %d jobs so far", deleted)
	}
	if deleted > 0 {
		ctx.Log.Infof("Deleted %d jobs in %s", deleted, time.Since(start))
	}
	return deleted, nil
}

func (r *PostgresJobRepository) query(ctx *logctx.Context, operation string, sql string, args ...interface{}) ([]*jobdb.Job, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, schedulererrors.StoreUnavailable(postgresStore, operation, err)
	}
	defer rows.Close()
	var jobs []*jobdb.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, schedulererrors.StoreUnavailable(postgresStore, operation, err)
	}
	return jobs, nil
}

func columns() []interface{} {
	cols := make([]interface{}, len(jobColumns))
	for i, c := range jobColumns {
		cols[i] = goqu.C(c)
	}
	return cols
}

func qualifiedColumns(alias string) string {
	cols := make([]string, len(jobColumns))
	for i, c := range jobColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func filterExpressions(filter JobFilter) []exp.Expression {
	var expressions []exp.Expression
	if len(filter.Ids) > 0 {
		expressions = append(expressions, goqu.C("id").In(filter.Ids))
	}
	if len(filter.Types) > 0 {
		expressions = append(expressions, goqu.C("type").In(filter.Types))
	}
	if filter.States != nil {
		expressions = append(expressions, goqu.C("state").Between(goqu.Range(int(filter.States.From), int(filter.States.To))))
	}
	if filter.CancelRequested != nil {
		expressions = append(expressions, goqu.C("cancel_requested").Eq(*filter.CancelRequested))
	}
	if filter.ResourceState != nil {
		expressions = append(expressions, goqu.C("resource_state").Eq(int(*filter.ResourceState)))
	}
	if filter.HasHandle != nil {
		if *filter.HasHandle {
			expressions = append(expressions, goqu.C("execution_handle").Neq(""))
		} else {
			expressions = append(expressions, goqu.C("execution_handle").Eq(""))
		}
	}
	if filter.CostReported != nil {
		expressions = append(expressions, goqu.C("cost_reported").Eq(*filter.CostReported))
	}
	if !filter.ProgressBefore.IsZero() {
		expressions = append(expressions, goqu.C("last_progress_time").Lt(filter.ProgressBefore.UTC()))
	}
	return expressions
}

// toRow flattens a job into a column map. Timestamps are stored in UTC.
func toRow(job *jobdb.Job) (goqu.Record, error) {
	record := NewJobRecord(job)
	steps, err := marshalNullable(record.Steps)
	if err != nil {
		return nil, err
	}
	requested, err := marshalNullable(record.Cost.Requested)
	if err != nil {
		return nil, err
	}
	consumed, err := marshalNullable(record.Cost.Consumed)
	if err != nil {
		return nil, err
	}
	row := goqu.Record{
		"id":                  record.Id,
		"type":                record.Type,
		"dedup_key":           record.Key,
		"priority":            record.Priority,
		"created":             record.Created.UTC(),
		"state":               record.State,
		"resource_unit":       nil,
		"resource_amount":     nil,
		"resource_state":      record.ResourceState,
		"cancel_requested":    record.Cancellation.IsCancelled,
		"cancellable":         record.Cancellation.Cancellable,
		"cancel_requested_by": record.Cancellation.RequestedBy,
		"cancel_request_time": nil,
		"steps":               steps,
		"cost_requested":      requested,
		"cost_consumed":       consumed,
		"cost_reported":       record.Cost.Reported,
		"execution_handle":    record.ExecutionHandle,
		"attempts":            record.Attempts,
		"admissions":          record.Admissions,
		"last_progress_time":  record.LastProgressTime.UTC(),
		"version":             record.Version,
	}
	if record.ResourceRequest != nil {
		row["resource_unit"] = record.ResourceRequest.Unit
		row["resource_amount"] = record.ResourceRequest.Amount
	}
	if !record.Cancellation.RequestTime.IsZero() {
		row["cancel_request_time"] = record.Cancellation.RequestTime.UTC()
	}
	return row, nil
}

func scanJob(row pgx.Row) (*jobdb.Job, error) {
	var (
		record                             JobRecord
		resourceUnit                       *string
		resourceAmount                     *int64
		cancelRequestTime                  *time.Time
		steps, costRequested, costConsumed []byte
	)
	err := row.Scan(
		&record.Id,
		&record.Type,
		&record.Key,
		&record.Priority,
		&record.Created,
		&record.State,
		&resourceUnit,
		&resourceAmount,
		&record.ResourceState,
		&record.Cancellation.IsCancelled,
		&record.Cancellation.Cancellable,
		&record.Cancellation.RequestedBy,
		&cancelRequestTime,
		&steps,
		&costRequested,
		&costConsumed,
		&record.Cost.Reported,
		&record.ExecutionHandle,
		&record.Attempts,
		&record.Admissions,
		&record.LastProgressTime,
		&record.Version,
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	record.Created = record.Created.UTC()
	record.LastProgressTime = record.LastProgressTime.UTC()
	if resourceUnit != nil && resourceAmount != nil {
		record.ResourceRequest = &ResourceRequestRecord{Unit: *resourceUnit, Amount: *resourceAmount}
	}
	if cancelRequestTime != nil {
		record.Cancellation.RequestTime = cancelRequestTime.UTC()
	}
	if err := unmarshalNullable(steps, &record.Steps); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(costRequested, &record.Cost.Requested); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(costConsumed, &record.Cost.Consumed); err != nil {
		return nil, err
	}
	return record.ToJob(), nil
}

func marshalNullable[T any](values []T) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(values)
	return b, errors.WithStack(err)
}

func unmarshalNullable[T any](data []byte, values *[]T) error {
	if len(data) == 0 {
		return nil
	}
	return errors.WithStack(json.Unmarshal(data, values))
}

func duplicateIds(jobs []*jobdb.Job) string {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.Id
	}
	return strings.Join(ids, ",")
}
