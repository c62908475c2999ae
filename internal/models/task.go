package models

import "time"

// TaskKind enumerates the operations the Studio executor understands.
type TaskKind string

const (
	// TaskKindRunCode executes a Luau chunk inside Studio. Payload is the source.
	TaskKindRunCode TaskKind = "run_code"
	// TaskKindInsertModel inserts a marketplace asset. Payload is the search query.
	TaskKindInsertModel TaskKind = "insert_model"
)

// Valid reports whether k is a kind the executor protocol defines.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindRunCode, TaskKindInsertModel:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusLeased    TaskStatus = "leased"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusExpired   TaskStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusExpired:
		return true
	}
	return false
}

// Task is one unit of work delivered to the executor. Seq is dense within
// its plan (0..n-1) and delivery strictly follows Seq order.
type Task struct {
	ID        string
	SessionID string
	PlanID    string
	Seq       int
	Kind      TaskKind
	Payload   string
	Status    TaskStatus
	Attempts  int // delivery attempts, incremented when a lease is granted
	Result    *Result
	CreatedAt time.Time
	DoneAt    *time.Time
}

// Clone returns a deep copy safe to hand outside the queue lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.DoneAt != nil {
		d := *t.DoneAt
		c.DoneAt = &d
	}
	return &c
}

// Result is the executor's reported outcome for a task.
type Result struct {
	OK         bool
	Output     string // success output, e.g. print stream from the Luau chunk
	Reason     string // failure reason
	ReportedAt time.Time
}
