package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used for transport message UUIDs and chunk transfer ids, where sortability
// helps when eyeballing broker traffic.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// CreateCorrelationID returns a fresh 128-bit random identifier. Correlation
// ids are minted once per invocation and round-trip unchanged through the
// transport metadata, so they must be collision-free rather than sortable.
func CreateCorrelationID() string {
	return uuid.NewString()
}
