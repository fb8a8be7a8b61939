package uploader

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS resume_records (
    file_id        TEXT PRIMARY KEY,
    source_path    TEXT NOT NULL,
    target_path    TEXT NOT NULL,
    temp_path      TEXT NOT NULL,
    total_bytes    INTEGER NOT NULL,
    uploaded_bytes INTEGER NOT NULL DEFAULT 0,
    protocol       TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    last_update    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dedup_records (
    content_hash   TEXT PRIMARY KEY,
    canonical_path TEXT NOT NULL,
    size_bytes     INTEGER NOT NULL,
    recorded_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// OpenDB opens (or creates) the engine state database in dataDir. A corrupt
// or unreadable database is discarded and recreated empty rather than
// failing the run: resume and dedup records are an optimization, not a
// source of truth.
func OpenDB(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "uploader.db")

	db, err := openDBAt(dbPath)
	if err == nil {
		return db, nil
	}
	sub("db").Warn("state database unusable, recreating empty", "path", dbPath, "err", err)
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		os.Remove(p) //nolint:errcheck
	}
	return openDBAt(dbPath)
}

func openDBAt(dbPath string) (*sql.DB, error) {
	l := sub("db")
	l.Info("opening state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	l := sub("db")
	var version int
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		// meta table doesn't exist or no row — fresh database
		if _, execErr := db.Exec(schema); execErr != nil {
			return fmt.Errorf("create schema: %w", execErr)
		}
		if _, execErr := db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion); execErr != nil {
			return fmt.Errorf("set schema version: %w", execErr)
		}
		l.Info("schema created", "version", schemaVersion)
		return nil
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, schemaVersion)
	}
	l.Debug("schema up to date", "version", version)
	return nil
}
