package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"

	"github.com/ianlang/serialmond/internal/safedb"
)

// schemaDDL creates the single captured table plus the indices spec.md
// §4.2 requires (timestamp, port, session_id, and the (timestamp, port)
// compound). Narrowed from the teacher's internal/schema/schema.go,
// which runs an 11-version migration chain across many tables — this
// store has exactly one table and one shape, so there is nothing to
// migrate between and no migration runner is carried.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS captured (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TEXT NOT NULL,
	port       TEXT NOT NULL,
	session_id TEXT NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captured_timestamp  ON captured(timestamp);
CREATE INDEX IF NOT EXISTS idx_captured_port        ON captured(port);
CREATE INDEX IF NOT EXISTS idx_captured_session     ON captured(session_id);
CREATE INDEX IF NOT EXISTS idx_captured_ts_port     ON captured(timestamp, port);
`

// openDB opens the SQLite file at path with the pragmas spec.md §4.2
// asks for: WAL journaling for concurrent reads alongside a single
// writer, relaxed synchronous durability, and a five-second busy
// timeout. Mirrors the teacher's internal/schema/schema.go OpenDB.
func openDB(path string) (*safedb.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	raw.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := raw.Exec(p); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := raw.Exec(schemaDDL); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return safedb.New(raw), nil
}

// checkIntegrity runs SQLite's built-in integrity check, used both at
// open and by the Store's exported check_integrity operation.
func checkIntegrity(ctx context.Context, db *safedb.DB) bool {
	row := db.QueryRowContext(ctx, "PRAGMA integrity_check")
	var result string
	if err := row.Scan(&result); err != nil {
		return false
	}
	return result == "ok"
}
