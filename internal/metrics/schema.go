package metrics

import (
	"database/sql"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       id            INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp     INTEGER NOT NULL,
	       device        TEXT NOT NULL,
	       temp_current  REAL NOT NULL,
	       temp_average  REAL NOT NULL,
	       duty          REAL NOT NULL,
	       duty_native   INTEGER NOT NULL,
	       power_limit   INTEGER NOT NULL,
	       power_managed INTEGER NOT NULL CHECK (power_managed IN (0, 1)),
	       gpu_busy      INTEGER,
	       vram_used     INTEGER,
	       vram_total    INTEGER,
	       fan_off       INTEGER NOT NULL CHECK (fan_off IN (0, 1)),
	       degraded      INTEGER NOT NULL CHECK (degraded IN (0, 1)),
	       monitor       INTEGER NOT NULL CHECK (monitor IN (0, 1))
	   );
	   CREATE INDEX IF NOT EXISTS samples_device_timestamp ON samples (device, timestamp);`

	insertSampleSQL = `
    INSERT INTO samples (
        timestamp, device,
        temp_current, temp_average,
        duty, duty_native,
        power_limit, power_managed,
        gpu_busy, vram_used, vram_total,
        fan_off, degraded, monitor
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return phaseError(ErrSchemaInitFailed, "create_tables", "", err)
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return phaseError(ErrSchemaInitFailed, "record_version", "", err)
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

// GetSchemaVersion returns the current schema version
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
		return 0, phaseError(ErrSchemaValidationFailed, "get_version", "schema_versions", err)
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, phaseError(ErrSchemaValidationFailed, "check_table_exists", tableName, err)
	}
	return exists, nil
}
