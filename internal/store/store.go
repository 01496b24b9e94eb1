// Package store implements the Capture Store (component B): an embedded
// relational store with write batching, concurrent reads, bounded
// retention, and corruption recovery, per spec.md §4.2.
//
// Grounded on the teacher's internal/daemon/safedb (context-enforcing DB
// wrapper, reused as internal/safedb), internal/schema/schema.go (pragma
// and table setup), internal/daemon/eventlog/query.go (parameterized
// read queries), internal/daemon/cleanup/contexts.go (cutoff-based
// deletes), and internal/daemon/sync_scheduler.go (cancellable ticker
// loop), adapted from thrum's per-repo message log to a single flat
// capture table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ianlang/serialmond/internal/safedb"
)

// CapturedLine is one persisted row, mirroring spec.md §3.
type CapturedLine struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Port      string `json:"port"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// SystemPort is the sentinel port value for daemon-internal markers.
const SystemPort = "SYSTEM"

const (
	flushBatchSize = 100
	flushInterval  = 1 * time.Second
)

// Config tunes the store's retention background task.
type Config struct {
	MaxRecords      int
	CleanupInterval time.Duration
}

// Store is the Capture Store. All exported methods are safe for
// concurrent use.
type Store struct {
	path string
	cfg  Config
	db   *safedb.DB

	writeMu    sync.Mutex // serializes all writes, including retention
	buf        []CapturedLine
	lastFlush  time.Time

	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Open opens (creating if necessary) the capture database at path,
// verifies its integrity, and starts the retention background task. On
// integrity failure it self-recovers per spec.md §4.2 before returning.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 10000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path, cfg: cfg, db: db, lastFlush: time.Now()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	ok := checkIntegrity(ctx, db)
	cancel()
	if !ok {
		if err := s.recoverFromCorruption(fmt.Errorf("integrity check failed at open")); err != nil {
			return nil, err
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s.cancel = runCancel
	s.wg.Add(1)
	go s.retentionLoop(runCtx)

	return s, nil
}

// Append buffers a line for later batched commit, per spec.md §4.2
// write batching. When the buffer reaches flushBatchSize rows or
// flushInterval has passed since the last flush, Append commits the
// buffer itself before returning, so that call blocks for the length of
// one batched transaction.
func (s *Store) Append(line CapturedLine) {
	s.writeMu.Lock()
	s.buf = append(s.buf, line)
	shouldFlush := len(s.buf) >= flushBatchSize || time.Since(s.lastFlush) >= flushInterval
	s.writeMu.Unlock()

	if shouldFlush {
		_ = s.Flush()
	}
}

// AppendNow commits line immediately and durably, bypassing the buffer.
// Used for lifecycle markers, which must never be lost to a buffered
// flush that never happens.
func (s *Store) AppendNow(ctx context.Context, line CapturedLine) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captured (timestamp, port, session_id, data) VALUES (?, ?, ?, ?)`,
		line.Timestamp, line.Port, line.SessionID, line.Data)
	if err != nil {
		s.reportWriteError(err)
		return fmt.Errorf("append_now: %w", err)
	}
	return nil
}

// Flush commits any buffered rows in a single transaction. A failed
// commit rolls back, preserving the invariant that the store never holds
// a partial batch.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.flushLocked()
}

// flushLocked requires writeMu to already be held.
func (s *Store) flushLocked() error {
	if len(s.buf) == 0 {
		s.lastFlush = time.Now()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO captured (timestamp, port, session_id, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare flush statement: %w", err)
	}

	for _, line := range s.buf {
		if _, err := stmt.ExecContext(ctx, line.Timestamp, line.Port, line.SessionID, line.Data); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			s.reportWriteError(err)
			// Per contract, buffered rows are best-effort until the
			// next successful flush — discard them rather than retry
			// forever on a row that will never insert.
			s.buf = s.buf[:0]
			s.lastFlush = time.Now()
			return fmt.Errorf("flush insert: %w", err)
		}
	}
	_ = stmt.Close()

	if err := tx.Commit(); err != nil {
		s.reportWriteError(err)
		return fmt.Errorf("commit flush: %w", err)
	}

	s.buf = s.buf[:0]
	s.lastFlush = time.Now()
	return nil
}

var corruptionPattern = regexp.MustCompile(`(?i)(corrupt|malform)`)

func (s *Store) reportWriteError(err error) {
	if corruptionPattern.MatchString(err.Error()) {
		log.Printf("store: capture store corruption detected: %v", err)
		_ = s.recoverFromCorruptionLocked(err)
	}
}

// recoverFromCorruption closes the handle, quarantines the file, and
// reopens a fresh schema, per spec.md §4.2. It acquires the write mutex
// itself; use recoverFromCorruptionLocked when already holding it.
func (s *Store) recoverFromCorruption(cause error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.recoverFromCorruptionLocked(cause)
}

func (s *Store) recoverFromCorruptionLocked(cause error) error {
	_ = s.db.Close()

	quarantine := fmt.Sprintf("%s.corrupt.%d.db", s.path, time.Now().Unix())
	if err := os.Rename(s.path, quarantine); err != nil && !os.IsNotExist(err) {
		log.Printf("store: failed to quarantine corrupt store: %v", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(s.path + suffix)
	}

	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("reopen after corruption recovery (cause: %v): %w", cause, err)
	}
	s.db = db
	s.buf = s.buf[:0]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO captured (timestamp, port, session_id, data) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), SystemPort, "", "=== DATABASE_RECOVERED_FROM_CORRUPTION")
	if err != nil {
		log.Printf("store: failed to record recovery marker: %v", err)
	}
	return nil
}

// CheckIntegrity runs SQLite's integrity check against the live handle.
func (s *Store) CheckIntegrity(ctx context.Context) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return checkIntegrity(ctx, s.db)
}

var forbiddenKeywords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE)\b`)

// Query runs a read-only, parameter-bound SELECT. Any statement that
// isn't a pure SELECT, or that contains a mutating keyword anywhere, is
// rejected before execution — spec.md §4.2 query safety.
func (s *Store) Query(ctx context.Context, query string, params ...any) (*sql.Rows, error) {
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return nil, fmt.Errorf("query rejected: only SELECT statements are permitted")
	}
	if forbiddenKeywords.MatchString(trimmed) {
		return nil, fmt.Errorf("query rejected: statement contains a forbidden keyword")
	}
	return s.db.QueryContext(ctx, trimmed, params...)
}

// Recent returns rows captured within the last `seconds` seconds,
// optionally filtered by port and/or session, newest first, bounded by
// limit.
func (s *Store) Recent(ctx context.Context, seconds int, port, sessionID string, limit int) ([]CapturedLine, error) {
	cutoff := time.Now().Add(-time.Duration(seconds) * time.Second).UTC().Format(time.RFC3339)

	q := strings.Builder{}
	q.WriteString("SELECT id, timestamp, port, session_id, data FROM captured WHERE timestamp >= ?")
	args := []any{cutoff}
	if port != "" {
		q.WriteString(" AND port = ?")
		args = append(args, port)
	}
	if sessionID != "" {
		q.WriteString(" AND session_id = ?")
		args = append(args, sessionID)
	}
	q.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	return scanLines(rows)
}

// Tail returns the last n rows, optionally filtered by port and/or
// session, in chronological (ascending id) order.
func (s *Store) Tail(ctx context.Context, n int, port, sessionID string) ([]CapturedLine, error) {
	q := strings.Builder{}
	q.WriteString("SELECT id, timestamp, port, session_id, data FROM captured WHERE 1=1")
	var args []any
	if port != "" {
		q.WriteString(" AND port = ?")
		args = append(args, port)
	}
	if sessionID != "" {
		q.WriteString(" AND session_id = ?")
		args = append(args, sessionID)
	}
	q.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("tail: %w", err)
	}
	lines, err := scanLines(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Count returns the number of rows, optionally filtered by session.
func (s *Store) Count(ctx context.Context, sessionID string) (int64, error) {
	var row *sql.Row
	if sessionID == "" {
		row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM captured")
	} else {
		row = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM captured WHERE session_id = ?", sessionID)
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func scanLines(rows *sql.Rows) ([]CapturedLine, error) {
	defer func() { _ = rows.Close() }()
	var out []CapturedLine
	for rows.Next() {
		var l CapturedLine
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Port, &l.SessionID, &l.Data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// retentionLoop runs every cfg.CleanupInterval, trimming the table down
// to cfg.MaxRecords rows by deleting the oldest (lowest id) excess rows.
// It shares writeMu with Flush so retention never interleaves with a
// batched insert, per spec.md §4.2.
func (s *Store) retentionLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runRetention(ctx); err != nil {
				log.Printf("store: retention pass failed: %v", err)
			}
		}
	}
}

func (s *Store) runRetention(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM captured").Scan(&total); err != nil {
		return fmt.Errorf("retention count: %w", err)
	}
	if total <= int64(s.cfg.MaxRecords) {
		return nil
	}
	excess := total - int64(s.cfg.MaxRecords)

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM captured WHERE id IN (SELECT id FROM captured ORDER BY id ASC LIMIT ?)`, excess)
	if err != nil {
		return fmt.Errorf("retention delete: %w", err)
	}

	// incremental_vacuum is a no-op unless auto_vacuum=INCREMENTAL was set
	// before the schema existed; a plain VACUUM reclaims the freed pages
	// regardless of auto_vacuum mode and is legal here since it runs
	// outside a transaction on the store's single connection.
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		log.Printf("store: vacuum failed: %v", err)
	}
	return nil
}

// Close flushes any buffered rows, stops the retention task, and closes
// the database handle. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if flushErr := s.Flush(); flushErr != nil {
			err = flushErr
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if closeErr := s.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
