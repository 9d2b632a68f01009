package db

import (
	"strings"

	"github.com/kilnworks/kiln/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed
// database. This happens during graceful shutdown when the connection is
// closed while workers are still draining jobs.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err indicates the connection is closed.
// The string fallback covers raw driver errors we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "sql: database is closed")
}
