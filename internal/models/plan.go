package models

import "time"

// Plan is one ordered batch of tasks produced by a single planner response.
// A session has at most one plan in flight at a time.
type Plan struct {
	ID        string
	SessionID string
	Seq       int // per-session plan counter, 0 for the first plan of a prompt

	// Message is the assistant's commentary accompanying the tasks. A plan
	// may carry a message and no tasks, which ends the exchange.
	Message string

	// AwaitResults marks a feedback plan: once every task is terminal the
	// planner is re-invoked with the updated transcript to decide what
	// comes next.
	AwaitResults bool

	TaskIDs   []string
	CreatedAt time.Time
}
