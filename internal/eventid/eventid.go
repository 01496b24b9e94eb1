// Package eventid generates lexically sortable identifiers for daemon
// lifecycle and port events, grounded on the teacher's
// internal/schema/schema.go generateDeterministicEventID, which tags
// every stored event with a ULID. We reuse the same library for the
// same reason — a sortable, collision-resistant id a reader can eyeball
// for ordering — but generate fresh entropy per call rather than
// deriving it from a hash, since these markers have no prior document
// form to replay.
package eventid

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID timestamped at t, prefixed like the teacher's
// "evt_" event ids.
func New(t time.Time) string {
	id, err := ulid.New(ulid.Timestamp(t), rand.Reader)
	if err != nil {
		// rand.Reader does not fail in practice; fall back to a
		// zero-entropy ULID rather than panicking.
		id = ulid.ULID{}
	}
	return "evt_" + id.String()
}
