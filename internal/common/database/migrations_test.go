package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_indexes.sql": {Data: []byte("CREATE INDEX a ON b (c);")},
		"migrations/001_init.sql":    {Data: []byte("CREATE TABLE b (c int);")},
		"migrations/README.md":       {Data: []byte("ignored")},
	}

	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		{Id: 1, Name: "001_init.sql", Sql: "CREATE TABLE b (c int);"},
		{Id: 2, Name: "002_indexes.sql", Sql: "CREATE INDEX a ON b (c);"},
	}, migrations)
}

func TestReadMigrationsRejectsBadNames(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/init.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := ReadMigrations(fsys, "migrations")
	assert.Error(t, err)
}

func TestCreateConnectionString(t *testing.T) {
	assert.Equal(t, "host='localhost'", CreateConnectionString(map[string]string{"host": "localhost"}))
	assert.Equal(t, `password='it\'s'`, CreateConnectionString(map[string]string{"password": "it's"}))
}
