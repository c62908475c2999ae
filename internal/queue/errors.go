package queue

import "errors"

var (
	// ErrPlanActive is returned when a session already has a plan in flight.
	ErrPlanActive = errors.New("session already has an active plan")

	// ErrEmptyPlan is returned when a plan is enqueued with no tasks.
	ErrEmptyPlan = errors.New("plan has no tasks")

	// ErrEmpty is returned when no task is deliverable right now.
	ErrEmpty = errors.New("no deliverable task")

	// ErrTaskNotFound is returned when the task ID is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLeaseExpired is returned when a report arrives for a task the
	// holder no longer leases. The reported result is discarded.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrLeaseMismatch is returned when a task's live lease belongs to a
	// different holder.
	ErrLeaseMismatch = errors.New("lease held by another holder")

	// ErrConflict is returned on a task status transition the lifecycle
	// does not allow.
	ErrConflict = errors.New("invalid task transition")
)
