package models

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a ULID string for sessions, plans, and tasks.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}
