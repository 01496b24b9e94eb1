package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "serial_data.db"), Config{MaxRecords: 10000, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func line(port, sessionID, data string) CapturedLine {
	return CapturedLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Port:      port,
		SessionID: sessionID,
		Data:      data,
	}
}

func TestAppendThenFlushPersists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(line("/dev/ttyACM0", "session_1_aaaaaaaa", "A"))
	s.Append(line("/dev/ttyACM0", "session_1_aaaaaaaa", "B"))

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	count, err := s.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestTailReturnsChronologicalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, data := range []string{"A", "B", "C"} {
		if err := s.AppendNow(ctx, line("/dev/ttyACM0", "session_1_aaaaaaaa", data)); err != nil {
			t.Fatalf("AppendNow failed: %v", err)
		}
	}

	rows, err := s.Tail(ctx, 3, "", "")
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	want := []string{"A", "B", "C"}
	for i, r := range rows {
		if r.Data != want[i] {
			t.Fatalf("row %d: got %q, want %q", i, r.Data, want[i])
		}
	}
	if rows[0].ID >= rows[2].ID {
		t.Fatalf("expected strictly increasing ids, got %v", rows)
	}
}

func TestAppendNowBypassesBuffer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendNow(ctx, line(SystemPort, "session_1_aaaaaaaa", "DAEMON_STARTED")); err != nil {
		t.Fatalf("AppendNow failed: %v", err)
	}

	count, err := s.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row immediately visible without Flush, got %d", count)
	}
}

func TestQueryRejectsNonSelect(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Query(ctx, "DELETE FROM captured"); err == nil {
		t.Fatal("expected DELETE to be rejected")
	}
	if _, err := s.Query(ctx, "DROP TABLE captured"); err == nil {
		t.Fatal("expected DROP to be rejected")
	}

	rows, err := s.Query(ctx, "SELECT COUNT(*) FROM captured")
	if err != nil {
		t.Fatalf("expected SELECT to be accepted, got error: %v", err)
	}
	defer func() { _ = rows.Close() }()
}

func TestRetentionTrimsToMaxRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "serial_data.db"), Config{MaxRecords: 5, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := s.AppendNow(ctx, line("/dev/ttyACM0", "session_1_aaaaaaaa", "x")); err != nil {
			t.Fatalf("AppendNow failed: %v", err)
		}
	}

	if err := s.runRetention(ctx); err != nil {
		t.Fatalf("runRetention failed: %v", err)
	}

	count, err := s.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 rows after retention, got %d", count)
	}

	rows, err := s.Tail(ctx, 5, "", "")
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	if rows[len(rows)-1].ID < 6 {
		t.Fatalf("expected the surviving rows to be the highest ids, got tail %+v", rows)
	}
}

func TestCheckIntegrityOnFreshStore(t *testing.T) {
	s := openTestStore(t)
	if !s.CheckIntegrity(context.Background()) {
		t.Fatal("expected fresh store to pass integrity check")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "serial_data.db"), Config{MaxRecords: 10, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
