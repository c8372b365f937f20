package store

import (
	"context"
	"strings"
	"time"
)

// isConflictError reports whether err is a SQLITE_BUSY or "database is
// locked" error. Both are transient under WAL and warrant a retry. The
// driver does not expose typed errors for these, so match on the text.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withWriteRetry runs fn up to three times, backing off briefly when it
// hits a SQLite concurrency error. busy_timeout already absorbs most
// contention; this catches locks taken between statements.
func withWriteRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); !isConflictError(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
