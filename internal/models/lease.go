package models

import "time"

// Lease grants one holder exclusive delivery of a task until it expires.
// A task has at most one live lease.
type Lease struct {
	TaskID    string
	HolderID  string
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
