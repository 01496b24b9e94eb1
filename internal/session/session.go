// Package session generates the identifier that names one daemon run.
//
// Grounded on the teacher's pairing-token generator
// (internal/daemon/pairing.go: generatePairingToken), which draws raw
// entropy from crypto/rand and renders it as lowercase hex — the same
// construction used here, just composed with the run's start time to
// match spec.md's session_id format.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a session_id of the form session_<unix-seconds>_<8-hex>.
func New(now time.Time) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("session_%d_%s", now.Unix(), hex.EncodeToString(buf[:])), nil
}
