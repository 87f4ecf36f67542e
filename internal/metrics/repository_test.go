package metrics

import (
	"database/sql"
	"testing"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = "/tmp/cpupowerctl-test/metrics.db"
	cfg.BatchSize = 2
	cfg.BatchTimeout = time.Hour
	return cfg
}

func expectCurrentSchema(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("schema_versions").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(SchemaVersion))
}

func expectClose(mock sqlmock.Sqlmock) {
	mock.ExpectExec("PRAGMA wal_checkpoint").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()
}

func openRepo(t *testing.T, cfg Config) (*repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	expectCurrentSchema(mock)
	repo, err := newRepository(db, cfg, logger.Nop())
	require.NoError(t, err)
	return repo, mock
}

func float(v float64) *float64 { return &v }

func TestNewRepositoryCreatesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("schema_versions").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS ticks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE IF EXISTS transitions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP TABLE IF EXISTS schema_versions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_versions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_versions").
		WithArgs(SchemaVersion).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectClose(mock)

	repo, err := newRepository(db, testConfig(), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRepositorySchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("schema_versions").
		WillReturnError(sql.ErrConnDone)

	_, err = newRepository(db, testConfig(), logger.Nop())
	require.Error(t, err)
	assert.Equal(t, ErrStorageInit, codeOf(err))
}

func TestRecordTickBatches(t *testing.T) {
	repo, mock := openRepo(t, testConfig())

	require.NoError(t, repo.RecordTick(&Tick{
		Timestamp: epoch, Profile: "Balanced", Phase: "steady", Rule: "none",
		Source: "ac", Temperature: float(55.5), Load: float(12), Interval: 2 * time.Second,
	}))
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO ticks")
	prep.ExpectExec().
		WithArgs(epoch.Unix(), "Balanced", "steady", "none", "ac", 55.5, 12.0, int64(2000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(epoch.Add(2*time.Second).Unix(), "Balanced", "idle", "load_high", "ac", nil, nil, int64(2000)).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.RecordTick(&Tick{
		Timestamp: epoch.Add(2 * time.Second), Profile: "Balanced", Phase: "idle", Rule: "load_high",
		Source: "ac", Interval: 2 * time.Second,
	}))
	assert.Empty(t, repo.buffer)

	expectClose(mock)
	require.NoError(t, repo.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseFlushesPendingTicks(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	repo, mock := openRepo(t, cfg)

	require.NoError(t, repo.RecordTick(&Tick{Timestamp: epoch, Profile: "Silent", Phase: "steady", Rule: "none", Interval: time.Second}))

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ticks").
		ExpectExec().
		WithArgs(epoch.Unix(), "Silent", "steady", "none", "", nil, nil, int64(1000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectClose(mock)

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushFailureKeepsBuffer(t *testing.T) {
	repo, mock := openRepo(t, testConfig())

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ticks").
		ExpectExec().
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	require.NoError(t, repo.RecordTick(&Tick{Timestamp: epoch}))
	err := repo.RecordTick(&Tick{Timestamp: epoch})
	require.Error(t, err)
	assert.Len(t, repo.buffer, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransition(t *testing.T) {
	repo, mock := openRepo(t, testConfig())

	mock.ExpectExec("INSERT INTO transitions").
		WithArgs("a1b2", epoch.Unix(), "transition", "thermal_high", "Performance", "Balanced",
			1, 4, 0, 0, int64(35)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.RecordTransition(&Transition{
		ID: "a1b2", Timestamp: epoch, Kind: "transition", Rule: "thermal_high",
		From: "Performance", To: "Balanced", Success: true, Applied: 4,
		Duration: 35 * time.Millisecond,
	}))

	expectClose(mock)
	require.NoError(t, repo.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrune(t *testing.T) {
	repo, mock := openRepo(t, testConfig())
	cutoff := epoch.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ticks").WithArgs(cutoff.Unix()).WillReturnResult(sqlmock.NewResult(0, 40))
	mock.ExpectExec("DELETE FROM transitions").WithArgs(cutoff.Unix()).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.Prune(cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	expectClose(mock)
	require.NoError(t, repo.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneRollsBackOnError(t *testing.T) {
	repo, mock := openRepo(t, testConfig())

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ticks").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := repo.Prune(epoch)
	require.Error(t, err)
	assert.Equal(t, ErrPruneFailed, codeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
