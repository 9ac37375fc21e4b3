package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/jobadmit/internal/common/util"
)

// TestPostgresEnvVar names the environment variable holding a libpq connection string for a Postgres server
// that tests may create databases on. Postgres-backed tests are skipped when it is unset.
const TestPostgresEnvVar = "JOBADMIT_TEST_POSTGRES"

// TestPostgresConnectionString returns the connection string from TestPostgresEnvVar and whether it was set.
func TestPostgresConnectionString() (string, bool) {
	s := os.Getenv(TestPostgresEnvVar)
	return s, s != ""
}

// WithTestDb creates a dedicated database on the server named by TestPostgresEnvVar, applies migrations, runs
// action against it and drops the database afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString, ok := TestPostgresConnectionString()
	if !ok {
		return errors.Errorf("%s is not set", TestPostgresEnvVar)
	}

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	if _, err := db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.New(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		testDbPool.Close()
		if _, err := db.Exec(ctx, "DROP DATABASE "+dbName+" WITH (FORCE)"); err != nil {
			log.WithError(err).Warnf("Failed to drop database %s", dbName)
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}
	return action(testDbPool)
}
