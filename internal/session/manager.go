// Package session tracks live conversations. Each session serializes prompt
// handling: one prompt, one plan in flight, then back to idle.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

var (
	// ErrBusy is returned when a prompt arrives while the session is
	// awaiting or executing a plan.
	ErrBusy = errors.New("session is busy")

	// ErrNotFound is returned when the session ID is unknown.
	ErrNotFound = errors.New("session not found")

	// ErrStale is returned when a planner reply lands on a session that
	// was closed or re-prompted since the request went out. The caller
	// discards the reply.
	ErrStale = errors.New("stale planner reply")
)

// Manager is the in-memory session registry. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	now      func() time.Time
	epoch    uint64
	sessions map[string]*models.Session
	order    []string
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		now:      time.Now,
		sessions: make(map[string]*models.Session),
	}
}

// Begin records a user prompt and moves the session to awaiting_plan.
// An empty ID mints a new session; an unknown ID creates one, so clients
// may supply their own opaque tokens. A session that is not idle rejects
// the prompt with ErrBusy.
func (m *Manager) Begin(sessionID, prompt string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if sessionID == "" {
		sessionID = models.NewID()
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &models.Session{
			ID:             sessionID,
			Status:         models.SessionStatusIdle,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		m.sessions[sessionID] = s
		m.order = append(m.order, sessionID)
	}
	if !s.Accepting() {
		return nil, ErrBusy
	}

	// The epoch counter is shared across the registry so a reply aimed at
	// a closed-and-recreated session can never match the new incarnation.
	m.epoch++
	s.PlanEpoch = m.epoch
	s.Rounds = 0
	s.Turns = append(s.Turns, models.ConversationTurn{
		Kind:      models.TurnUserPrompt,
		Text:      prompt,
		CreatedAt: now,
	})
	s.Status = models.SessionStatusAwaitingPlan
	s.LastActivityAt = now
	return s.Clone(), nil
}

// InstallPlan appends the assistant's plan turn and moves the session to
// executing_plan, or straight back to idle for a message-only plan. The
// epoch must match the one handed out by Begin; otherwise the session was
// closed or re-prompted in the meantime and the plan must be discarded.
func (m *Manager) InstallPlan(sessionID string, epoch uint64, plan *models.Plan) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.PlanEpoch != epoch || s.Status != models.SessionStatusAwaitingPlan {
		return nil, ErrStale
	}

	now := m.now()
	s.Turns = append(s.Turns, models.ConversationTurn{
		Kind:      models.TurnAssistantPlan,
		Text:      plan.Message,
		PlanID:    plan.ID,
		CreatedAt: now,
	})
	s.PlanCount++
	if len(plan.TaskIDs) > 0 {
		s.Status = models.SessionStatusExecutingPlan
		s.ActivePlanID = plan.ID
	} else {
		s.Status = models.SessionStatusIdle
		s.ActivePlanID = ""
	}
	s.LastActivityAt = now
	return s.Clone(), nil
}

// AppendResults adds execution result turns to the transcript.
func (m *Manager) AppendResults(sessionID string, turns []models.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	for _, turn := range turns {
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		s.Turns = append(s.Turns, turn)
	}
	s.LastActivityAt = now
	return nil
}

// FinishPlan closes out the active plan. With continuing=true the session
// returns to awaiting_plan for another planner round; otherwise it is idle
// again and ready for the next prompt.
func (m *Manager) FinishPlan(sessionID string, epoch uint64, continuing bool) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.PlanEpoch != epoch {
		return nil, ErrStale
	}

	s.ActivePlanID = ""
	if continuing {
		s.Status = models.SessionStatusAwaitingPlan
		s.Rounds++
	} else {
		s.Status = models.SessionStatusIdle
	}
	s.LastActivityAt = m.now()
	return s.Clone(), nil
}

// Fail records a planner failure as an assistant turn and idles the
// session so the user can try again.
func (m *Manager) Fail(sessionID string, epoch uint64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.PlanEpoch != epoch {
		return ErrStale
	}

	now := m.now()
	s.Turns = append(s.Turns, models.ConversationTurn{
		Kind:      models.TurnAssistantPlan,
		Text:      msg,
		CreatedAt: now,
	})
	s.Status = models.SessionStatusIdle
	s.ActivePlanID = ""
	s.LastActivityAt = now
	return nil
}

// Close removes the session from the registry and returns its final state.
// The epoch bump makes any in-flight planner reply stale.
func (m *Manager) Close(sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	m.closeLocked(s)
	return s.Clone(), nil
}

// EvictIdle closes every session whose last activity is older than the
// timeout and returns their final states. Status does not shield a
// session: one stuck awaiting or executing a plan with no executor
// traffic goes the same way, and the caller abandons its queued work.
func (m *Manager) EvictIdle(timeout time.Duration) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var evicted []*models.Session
	for _, id := range append([]string(nil), m.order...) {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		if now.Sub(s.LastActivityAt) < timeout {
			continue
		}
		m.closeLocked(s)
		evicted = append(evicted, s.Clone())
	}
	return evicted
}

func (m *Manager) closeLocked(s *models.Session) {
	now := m.now()
	s.Status = models.SessionStatusClosed
	s.ClosedAt = &now
	s.ActivePlanID = ""
	m.epoch++
	s.PlanEpoch = m.epoch
	delete(m.sessions, s.ID)
	for i, id := range m.order {
		if id == s.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the session.
func (m *Manager) Get(sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// List returns copies of all live sessions in creation order.
func (m *Manager) List() []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
