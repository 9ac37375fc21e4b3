package leader

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
)

// PostgresElector stores leases in the leases table. Expiry is judged against the database clock, so instances
// with skewed clocks still agree.
type PostgresElector struct {
	db *pgxpool.Pool
}

func NewPostgresElector(db *pgxpool.Pool) *PostgresElector {
	return &PostgresElector{db: db}
}

// StandForElection upserts the lease. The conflict branch only fires when the caller already holds the lease or
// the existing one has expired, so a live lease held by someone else leaves zero rows affected.
func (e *PostgresElector) StandForElection(ctx *logctx.Context, holder string, resource string, validity time.Duration) (bool, error) {
	if err := validateElection(holder, resource, validity); err != nil {
		return false, err
	}
	tag, err := e.db.Exec(ctx, `
		INSERT INTO leases (resource, holder, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (resource) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE leases.holder = EXCLUDED.holder OR leases.expires_at < now()`,
		resource, holder, validity.Milliseconds())
	if err != nil {
		return false, schedulererrors.StoreUnavailable("postgres", "standForElection", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (e *PostgresElector) Resign(ctx *logctx.Context, holder string, resource string) error {
	_, err := e.db.Exec(ctx, `DELETE FROM leases WHERE resource = $1 AND holder = $2`, resource, holder)
	return schedulererrors.StoreUnavailable("postgres", "resign", err)
}
