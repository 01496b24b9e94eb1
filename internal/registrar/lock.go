package registrar

import "os"

// FileLock holds an OS-level exclusive flock(2) advisory lock on the
// whole lock file; it is not a byte-range lock on the first byte.
// The OS releases the lock automatically when the process dies, even on
// SIGKILL — this is what makes the singleton lock crash-safe.
//
// Grounded on the teacher's internal/daemon/flock.go / flock_unix.go /
// flock_other.go.
type FileLock struct {
	path string
	file *os.File
}

// Path returns the path of the locked file.
func (l *FileLock) Path() string {
	return l.path
}
