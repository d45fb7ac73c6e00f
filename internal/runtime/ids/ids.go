package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// MessageID returns a time-sortable ULID used as the Watermill message UUID
// of every published record.
func MessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns a random (v4) UUID in the lowercase canonical form
// the correlation router compares against.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NormalizeCorrelationID lowercases an id so lookups are case-insensitive.
func NormalizeCorrelationID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
