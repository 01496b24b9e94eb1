// Package registrar implements the Lifecycle Registrar: host-wide mutual
// exclusion for the daemon process, stale-state recovery, and the PID
// record that other processes read to find the running daemon.
//
// Grounded on the teacher's internal/daemon/{flock,pidfile,lifecycle}.go —
// the OS advisory-lock-plus-PID-file pattern used there to detect a dead
// thrum daemon is the same pattern spec.md §4.1 specifies for this
// daemon's singleton.
package registrar

import (
	"errors"
	"fmt"
	"time"
)

// errLockHeld is returned by acquireLock when another process already
// holds the advisory lock.
var errLockHeld = errors.New("daemon lock held by another process")

// Outcome classifies the result of Acquire.
type Outcome int

const (
	// Acquired means this process now holds the singleton.
	Acquired Outcome = iota
	// HeldByLive means a live daemon already owns the singleton; the
	// caller must not proceed.
	HeldByLive
	// StaleRecovered means a dead daemon's leftover state was cleared
	// before this process acquired the singleton.
	StaleRecovered
)

// SingletonState is the host-wide registry snapshot returned by Inspect.
type SingletonState struct {
	PID       int
	StartedAt time.Time
	Port      string
	SessionID string
}

// Registrar owns the lock and PID files for one candidate daemon process.
type Registrar struct {
	lockPath string
	pidPath  string
	lock     *FileLock
}

// New creates a Registrar bound to the given lock and PID file paths.
func New(lockPath, pidPath string) *Registrar {
	return &Registrar{lockPath: lockPath, pidPath: pidPath}
}

// Acquire implements spec.md §4.1's algorithm. On success (Acquired or
// StaleRecovered) the PID record has already been written with the given
// session id and port NONE; the caller owns the lock until Release.
func (r *Registrar) Acquire(pid int, sessionID string, now time.Time) (Outcome, *SingletonState, error) {
	rec, present, err := readPIDRecord(r.pidPath)
	if err != nil {
		return 0, nil, fmt.Errorf("read pid record: %w", err)
	}

	recovered := false
	if present {
		if isProcessAlive(rec.PID) && sameEntryPoint(rec.PID) {
			return HeldByLive, &SingletonState{
				PID:       rec.PID,
				StartedAt: time.Unix(rec.StartEpoch, 0).UTC(),
				Port:      rec.Port,
				SessionID: rec.SessionID,
			}, nil
		}
		// PID record present but its owner is dead or is not this
		// daemon's executable: stale, recover.
		_ = removePIDFile(r.pidPath)
		recovered = true
	} else if lockFileIsStale(r.lockPath) {
		// No PID record, but the lock file is old enough to suspect
		// abandonment. Double-check it truly isn't held before
		// declaring it stale — a daemon can briefly hold the lock
		// before its PID record write lands.
		if isLocked(r.lockPath) {
			return HeldByLive, nil, nil
		}
		recovered = true
	}

	lock, err := acquireLock(r.lockPath)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			// A racing daemon won the lock between our read and our
			// attempt to take it.
			return HeldByLive, nil, nil
		}
		return 0, nil, err
	}
	r.lock = lock

	newRec := PIDRecord{
		PID:        pid,
		StartEpoch: now.Unix(),
		Port:       NonePort,
		SessionID:  sessionID,
	}
	if err := writePIDRecord(r.pidPath, newRec); err != nil {
		_ = r.lock.Release()
		r.lock = nil
		return 0, nil, err
	}

	if recovered {
		return StaleRecovered, nil, nil
	}
	return Acquired, nil, nil
}

// UpdatePort rewrites the PID record's port field, called by the
// Coordinator after every successful connect/disconnect.
func (r *Registrar) UpdatePort(sessionID string, pid int, startEpoch int64, port string) error {
	if port == "" {
		port = NonePort
	}
	return writePIDRecord(r.pidPath, PIDRecord{
		PID:        pid,
		StartEpoch: startEpoch,
		Port:       port,
		SessionID:  sessionID,
	})
}

// Release unlocks, closes, and removes both files. Best-effort: failures
// are never raised, only reported back for logging.
func (r *Registrar) Release() error {
	var firstErr error
	if r.lock != nil {
		if err := r.lock.Release(); err != nil {
			firstErr = err
		}
		r.lock = nil
	}
	if err := removePIDFile(r.pidPath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Inspect reads the current singleton state without side effects.
func (r *Registrar) Inspect() (*SingletonState, error) {
	rec, present, err := readPIDRecord(r.pidPath)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return &SingletonState{
		PID:       rec.PID,
		StartedAt: time.Unix(rec.StartEpoch, 0).UTC(),
		Port:      rec.Port,
		SessionID: rec.SessionID,
	}, nil
}

// IsAlive reports whether pid names a live process.
func (r *Registrar) IsAlive(pid int) bool {
	return isProcessAlive(pid)
}
