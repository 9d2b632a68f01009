// Package db opens and migrates the kiln database of record.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/errors"
)

// Open opens the SQLite database behind the store URI with settings suited
// to concurrent API handlers and workers sharing one file.
// If logger is nil the open is silent.
func Open(uri string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "uri", uri)
	}
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", uri)
	}

	// WAL allows concurrent reads while a writer holds the log.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	if logger != nil {
		logger.Infow("Database opened",
			"uri", uri,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and brings the schema current in one
// call. This is the entry point the serve and work commands use.
func OpenWithMigrations(uri string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(uri, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return db, nil
}
