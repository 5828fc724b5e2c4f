// Package ids generates run identifiers that sort by creation time.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a 26-char ULID stamped with now (the current time when zero).
// Rollup runs carry one so their log lines can be correlated and ordered.
func NewRunID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	// ulid.New only fails when the entropy source does; crypto/rand does not.
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

