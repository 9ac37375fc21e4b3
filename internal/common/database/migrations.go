package database

import (
	"context"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Migration is a single numbered schema change. Files are named <id>_<description>.sql.
type Migration struct {
	Id   int
	Name string
	Sql  string
}

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// UpdateDatabase applies, in order, every migration newer than the version recorded in the database_version
// sequence. It is safe to call on every startup.
func UpdateDatabase(ctx context.Context, db Querier, migrations []Migration) error {
	log.Info("Updating postgres...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.Id > version {
			if _, err := db.Exec(ctx, m.Sql); err != nil {
				return errors.Wrapf(err, "applying migration %s", m.Name)
			}
			version = m.Id
			if err := setVersion(ctx, db, version); err != nil {
				return err
			}
		}
	}
	log.Infof("Database updated to version %d", version)
	return nil
}

func readVersion(ctx context.Context, db Querier) (int, error) {
	_, err := db.Exec(ctx,
		`CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	rows, err := db.Query(ctx,
		`SELECT last_value FROM database_version`)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer rows.Close()
	var version int
	if !rows.Next() {
		return 0, errors.Errorf("database_version sequence is empty")
	}
	err = rows.Scan(&version)
	return version, errors.WithStack(err)
}

func setVersion(ctx context.Context, db Querier, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return errors.WithStack(err)
}

// ReadMigrations loads every .sql file in dir of fsys, typically an embed.FS, sorted by id.
func ReadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		id, err := strconv.Atoi(strings.Split(f.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s does not start with a numeric id", f.Name())
		}
		migrations = append(migrations, Migration{
			Id:   id,
			Name: f.Name(),
			Sql:  string(contents),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Id < migrations[j].Id })
	return migrations, nil
}
