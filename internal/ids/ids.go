// Package ids generates the lexicographically sortable identifiers used
// for jobs and messages.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID in its canonical 26 character form. IDs issued
// by the same process sort in issue order even within a single millisecond.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Parse validates s as a canonical ULID.
func Parse(s string) (ulid.ULID, error) {
	return ulid.ParseStrict(s)
}
