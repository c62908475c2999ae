package queue

import (
	"fmt"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

// allowedTransitions encodes the task lifecycle:
// pending -> leased -> {completed|failed}, leased -> pending on lease
// expiry, and {pending|leased} -> expired when a plan is abandoned.
// Terminal states have no outgoing edges.
var allowedTransitions = map[models.TaskStatus]map[models.TaskStatus]struct{}{
	models.TaskStatusPending: {
		models.TaskStatusLeased:  {},
		models.TaskStatusExpired: {},
	},
	models.TaskStatusLeased: {
		models.TaskStatusPending:   {},
		models.TaskStatusCompleted: {},
		models.TaskStatusFailed:    {},
		models.TaskStatusExpired:   {},
	},
}

func canTransition(from, to models.TaskStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// setStatus moves a task to the given status, enforcing the lifecycle.
func setStatus(t *models.Task, to models.TaskStatus) error {
	if !canTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrConflict, t.Status, to, t.ID)
	}
	t.Status = to
	return nil
}
