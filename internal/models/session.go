package models

import "time"

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionStatusIdle          SessionStatus = "idle"
	SessionStatusAwaitingPlan  SessionStatus = "awaiting_plan"
	SessionStatusExecutingPlan SessionStatus = "executing_plan"
	SessionStatusClosed        SessionStatus = "closed"
)

// Session is one conversation between a prompt source and the planner.
// The transcript is append-only; every planner request is built from it.
type Session struct {
	ID             string
	Status         SessionStatus
	Turns          []ConversationTurn
	ActivePlanID   string
	PlanCount      int
	PlanEpoch      uint64 // bumped per prompt and on close; stale planner replies are discarded
	Rounds         int    // continuation rounds consumed by the current prompt
	CreatedAt      time.Time
	LastActivityAt time.Time
	ClosedAt       *time.Time
}

// Accepting reports whether the session can take a new user prompt.
func (s *Session) Accepting() bool {
	return s.Status == SessionStatusIdle
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = append([]ConversationTurn(nil), s.Turns...)
	for i := range c.Turns {
		c.Turns[i].AbortedTaskIDs = append([]string(nil), s.Turns[i].AbortedTaskIDs...)
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
