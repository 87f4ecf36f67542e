package metrics

import (
	"database/sql"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS ticks (
	       id          INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp   INTEGER NOT NULL,
	       profile     TEXT NOT NULL,
	       phase       TEXT NOT NULL,
	       rule        TEXT NOT NULL,
	       source      TEXT NOT NULL,
	       temperature REAL,
	       load        REAL,
	       interval_ms INTEGER NOT NULL CHECK (typeof(interval_ms) = 'integer')
	   );
	   CREATE INDEX IF NOT EXISTS ticks_timestamp ON ticks (timestamp);
	   CREATE TABLE IF NOT EXISTS transitions (
	       id          TEXT PRIMARY KEY,
	       timestamp   INTEGER NOT NULL,
	       kind        TEXT NOT NULL,
	       rule        TEXT NOT NULL,
	       from_profile TEXT NOT NULL,
	       to_profile  TEXT NOT NULL,
	       success     INTEGER NOT NULL CHECK (success IN (0, 1)),
	       applied     INTEGER NOT NULL,
	       rolled_back INTEGER NOT NULL,
	       forced_safe INTEGER NOT NULL,
	       duration_ms INTEGER NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS transitions_timestamp ON transitions (timestamp);`

	insertTickSQL = `
    INSERT INTO ticks (
        timestamp, profile, phase, rule, source,
        temperature, load, interval_ms
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	insertTransitionSQL = `
    INSERT INTO transitions (
        id, timestamp, kind, rule, from_profile, to_profile,
        success, applied, rolled_back, forced_safe, duration_ms
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	pruneTicksSQL       = `DELETE FROM ticks WHERE timestamp < ?`
	pruneTransitionsSQL = `DELETE FROM transitions WHERE timestamp < ?`
)

var dataTables = []string{"ticks", "transitions", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return failedAt(ErrSchemaInitFailed, stage{Phase: "create_tables"}, err)
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return failedAt(ErrSchemaInitFailed, stage{Phase: "record_version"}, err)
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns 0 for a database without a schema.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, failedAt(ErrSchemaValidationFailed, stage{Phase: "get_version"}, err)
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, failedAt(ErrSchemaValidationFailed, stage{Phase: "check_table_exists", Table: tableName}, err)
	}
	return exists, nil
}
