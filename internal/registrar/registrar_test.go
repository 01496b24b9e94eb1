//go:build unix

package registrar

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistrar(t *testing.T) (*Registrar, string, string) {
	t.Helper()
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")
	pidPath := filepath.Join(dir, "daemon.pid")
	return New(lockPath, pidPath), lockPath, pidPath
}

func TestAcquireFreshSingleton(t *testing.T) {
	r, _, pidPath := newTestRegistrar(t)

	outcome, held, err := r.Acquire(os.Getpid(), "session_1_aaaaaaaa", time.Now())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if outcome != Acquired {
		t.Fatalf("expected Acquired, got %v", outcome)
	}
	if held != nil {
		t.Fatalf("expected no held state, got %+v", held)
	}

	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("expected pid file to exist: %v", err)
	}

	if err := r.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("expected pid file removed after release")
	}
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	r, _, pidPath := newTestRegistrar(t)

	if _, _, err := r.Acquire(os.Getpid(), "session_1_aaaaaaaa", time.Now()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	r2 := New(filepath.Join(filepath.Dir(pidPath), "daemon.lock"), pidPath)
	outcome, held, err := r2.Acquire(99999999, "session_2_bbbbbbbb", time.Now())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if outcome != HeldByLive {
		t.Fatalf("expected HeldByLive, got %v", outcome)
	}
	if held == nil || held.PID != os.Getpid() {
		t.Fatalf("expected held state naming current pid, got %+v", held)
	}

	_ = r.Release()
}

func TestAcquireRecoversStalePID(t *testing.T) {
	r, _, pidPath := newTestRegistrar(t)

	if err := writePIDRecord(pidPath, PIDRecord{
		PID:        999999,
		StartEpoch: time.Now().Unix(),
		Port:       NonePort,
		SessionID:  "session_0_deadbeef",
	}); err != nil {
		t.Fatalf("failed to seed stale pid file: %v", err)
	}

	outcome, held, err := r.Acquire(os.Getpid(), "session_1_aaaaaaaa", time.Now())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if outcome != StaleRecovered {
		t.Fatalf("expected StaleRecovered, got %v", outcome)
	}
	if held != nil {
		t.Fatalf("expected no held state on recovery, got %+v", held)
	}

	_ = r.Release()
}

func TestAcquireCorruptPIDTreatedAsAbsent(t *testing.T) {
	r, _, pidPath := newTestRegistrar(t)

	if err := os.MkdirAll(filepath.Dir(pidPath), 0700); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(pidPath, []byte("not json at all"), 0600); err != nil {
		t.Fatalf("failed to seed corrupt pid file: %v", err)
	}

	outcome, _, err := r.Acquire(os.Getpid(), "session_1_aaaaaaaa", time.Now())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if outcome != Acquired {
		t.Fatalf("expected Acquired (corrupt record treated as absent), got %v", outcome)
	}

	_ = r.Release()
}

func TestUpdatePortRewritesRecord(t *testing.T) {
	r, _, pidPath := newTestRegistrar(t)

	if _, _, err := r.Acquire(os.Getpid(), "session_1_aaaaaaaa", time.Now()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = r.Release() }()

	if err := r.UpdatePort("session_1_aaaaaaaa", os.Getpid(), time.Now().Unix(), "/dev/ttyACM0"); err != nil {
		t.Fatalf("UpdatePort failed: %v", err)
	}

	rec, present, err := readPIDRecord(pidPath)
	if err != nil || !present {
		t.Fatalf("expected readable pid record, present=%v err=%v", present, err)
	}
	if rec.Port != "/dev/ttyACM0" {
		t.Fatalf("expected updated port, got %q", rec.Port)
	}
}

func TestInspectReturnsNilWhenAbsent(t *testing.T) {
	r, _, _ := newTestRegistrar(t)

	state, err := r.Inspect()
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state, got %+v", state)
	}
}

func TestIsAlive(t *testing.T) {
	r, _, _ := newTestRegistrar(t)

	if !r.IsAlive(os.Getpid()) {
		t.Fatal("expected current process to be alive")
	}
	if r.IsAlive(999999) {
		t.Fatal("expected nonexistent pid to be not alive")
	}
}
