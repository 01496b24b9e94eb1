// Package paths resolves the on-disk layout for the serial-monitor daemon,
// a single well-known directory under the user's home rather than the
// teacher's per-repo ".thrum" directory.
package paths

import (
	"os"
	"path/filepath"
	"strconv"
)

// DirName is the daemon's per-user state directory name.
const DirName = ".serial-monitor"

// Layout holds the resolved absolute paths of every on-disk artifact the
// daemon touches.
type Layout struct {
	Root       string
	PIDFile    string
	LockFile   string
	LogFile    string
	DBFile     string
	SocketFile string
	WSPortFile string
}

// Resolve returns the Layout rooted at the current user's home directory.
func Resolve() (Layout, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, err
	}
	return ResolveIn(filepath.Join(home, DirName)), nil
}

// ResolveIn builds a Layout rooted at an arbitrary directory, used by tests
// to avoid touching the real home directory.
func ResolveIn(root string) Layout {
	return Layout{
		Root:       root,
		PIDFile:    filepath.Join(root, "daemon.pid"),
		LockFile:   filepath.Join(root, "daemon.lock"),
		LogFile:    filepath.Join(root, "daemon.log"),
		DBFile:     filepath.Join(root, "serial_data.db"),
		SocketFile: filepath.Join(root, "daemon.sock"),
		WSPortFile: filepath.Join(root, "ws.port"),
	}
}

// EnsureRoot creates the root directory (and any missing parents) with
// owner-only permissions.
func (l Layout) EnsureRoot() error {
	return os.MkdirAll(l.Root, 0700)
}

// CorruptDBFile names the quarantine path a corrupted database file is
// renamed to, per spec: "<name>.corrupt.<epoch>.db".
func (l Layout) CorruptDBFile(unixEpoch int64) string {
	return l.DBFile + ".corrupt." + strconv.FormatInt(unixEpoch, 10) + ".db"
}
