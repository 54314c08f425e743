// Copyright 2025 James Ross
// Package jobid generates the lexicographically-sortable job identifiers
// used as sorted-set members and metadata-hash keys throughout jono.
// Identifier generation sits outside the queue's core correctness
// boundary (spec: it is an external collaborator), but a concrete
// implementation is still required to run the system.
package jobid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic, lock-guarded source so ids minted within the
// same millisecond still sort by creation order.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh 26-character base-32 ULID string.
func New() string {
	return NewAt(time.Now())
}

// NewAt generates an id embedding the given creation time, used by tests
// that need deterministic ordering.
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// Valid reports whether s parses as a ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time extracts the embedded creation time from an id minted by this
// package.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
