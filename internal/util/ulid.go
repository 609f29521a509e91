package util

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	// shared so ids minted in the same millisecond still sort by creation
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable ULID string. Batch ids and lease
// tokens both come from here.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt mints an id carrying t as its timestamp.
func NewIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ValidID reports whether s is a well-formed ULID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
