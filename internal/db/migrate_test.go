package db

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"migrations/002_index.sql":  {Data: []byte("CREATE INDEX b ON t (x);")},
		"migrations/001_tables.sql": {Data: []byte("CREATE TABLE t (x int);")},
	}
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs(int64(42)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS segment").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM segment.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec("CREATE TABLE t").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO segment.schema_migrations").WithArgs("001_tables.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("CREATE INDEX b").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO segment.schema_migrations").WithArgs("002_index.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(int64(42)).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	err = Migrate(context.Background(), mock, MigrateOpts{Schema: "segment", LockID: 42, FS: testMigrations(), Dir: "migrations"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS segment").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM segment.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_tables.sql").AddRow("002_index.sql"))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	err = Migrate(context.Background(), mock, MigrateOpts{Schema: "segment", LockID: 7, FS: testMigrations(), Dir: "migrations"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs(int64(1)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS segment").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM segment.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec("CREATE TABLE t").WillReturnError(assert.AnError)
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(int64(1)).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	err = Migrate(context.Background(), mock, MigrateOpts{Schema: "segment", LockID: 1, FS: testMigrations(), Dir: "migrations"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migration 001_tables.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}
