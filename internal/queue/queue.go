// Package queue holds the in-memory task queue and lease manager shared by
// every live session. Tasks are delivered to executors strictly in plan
// order under single-holder TTL leases.
package queue

import (
	"sync"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

// DefaultLeaseTTL bounds how long an executor may sit on a task before it
// is redelivered.
const DefaultLeaseTTL = 15 * time.Second

// TaskSpec describes one task to enqueue.
type TaskSpec struct {
	Kind    models.TaskKind
	Payload string
}

// Grant is a leased task handed to an executor.
type Grant struct {
	Task  *models.Task
	Lease *models.Lease

	// Renewed is true when the holder re-polled while still leasing the
	// task; the lease deadline was extended and the same task returned.
	Renewed bool
}

// AckInfo describes the consequences of an acknowledged report.
type AckInfo struct {
	Task    *models.Task
	Plan    *models.Plan
	Aborted []*models.Task

	// PlanDrained is true once every task of the plan is terminal.
	PlanDrained bool
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	Pending    int
	Leased     int
	Completed  int
	Failed     int
	Expired    int
	LiveLeases int
	OpenPlans  int
}

type planState struct {
	plan    *models.Plan
	taskIDs []string // Seq order
	drained bool
}

// Queue is safe for concurrent use. All methods are non-blocking; there is
// no waiting for work, callers poll.
type Queue struct {
	mu       sync.Mutex
	leaseTTL time.Duration
	now      func() time.Time

	tasks  map[string]*models.Task
	leases map[string]*models.Lease // keyed by task ID
	plans  map[string]*planState
	order  []string          // plan IDs in creation order
	active map[string]string // session ID -> plan ID still accepting work
}

// New creates an empty queue. ttl <= 0 selects DefaultLeaseTTL.
func New(ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Queue{
		leaseTTL: ttl,
		now:      time.Now,
		tasks:    make(map[string]*models.Task),
		leases:   make(map[string]*models.Lease),
		plans:    make(map[string]*planState),
		active:   make(map[string]string),
	}
}

// EnqueuePlan materializes the specs as pending tasks with dense sequence
// numbers 0..n-1 and registers the plan. A session may only have one plan
// in flight: a second enqueue fails with ErrPlanActive.
func (q *Queue) EnqueuePlan(plan *models.Plan, specs []TaskSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyPlan
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[plan.SessionID]; ok {
		return nil, ErrPlanActive
	}

	now := q.now()
	ps := &planState{plan: clonePlan(plan)}
	out := make([]*models.Task, 0, len(specs))
	for i, spec := range specs {
		t := &models.Task{
			ID:        models.NewID(),
			SessionID: plan.SessionID,
			PlanID:    plan.ID,
			Seq:       i,
			Kind:      spec.Kind,
			Payload:   spec.Payload,
			Status:    models.TaskStatusPending,
			CreatedAt: now,
		}
		q.tasks[t.ID] = t
		ps.taskIDs = append(ps.taskIDs, t.ID)
		out = append(out, t.Clone())
	}
	ps.plan.TaskIDs = append([]string(nil), ps.taskIDs...)
	ps.plan.CreatedAt = now

	q.plans[plan.ID] = ps
	q.order = append(q.order, plan.ID)
	q.active[plan.SessionID] = plan.ID
	return out, nil
}

// NextDeliverable grants the caller a task, or ErrEmpty when nothing is
// deliverable. If the holder still leases a task the same task is returned
// with its lease renewed; otherwise plans are scanned oldest first and a
// plan's lowest-sequence pending task is deliverable only once every
// earlier task has completed.
func (q *Queue) NextDeliverable(holderID string) (*Grant, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaimLocked(now)

	// Same holder re-polling before expiry keeps its task.
	for taskID, lease := range q.leases {
		if lease.HolderID != holderID {
			continue
		}
		lease.ExpiresAt = now.Add(q.leaseTTL)
		t := q.tasks[taskID]
		return &Grant{Task: t.Clone(), Lease: cloneLease(lease), Renewed: true}, nil
	}

	for _, planID := range q.order {
		ps := q.plans[planID]
		if ps.drained {
			continue
		}
		t := q.deliverableLocked(ps)
		if t == nil {
			continue
		}
		if err := setStatus(t, models.TaskStatusLeased); err != nil {
			return nil, err
		}
		t.Attempts++
		lease := &models.Lease{
			TaskID:    t.ID,
			HolderID:  holderID,
			GrantedAt: now,
			ExpiresAt: now.Add(q.leaseTTL),
		}
		q.leases[t.ID] = lease
		return &Grant{Task: t.Clone(), Lease: cloneLease(lease)}, nil
	}
	return nil, ErrEmpty
}

// deliverableLocked returns the plan's next deliverable task, or nil. The
// first non-completed task blocks everything behind it: if it is pending it
// is the candidate, if it is leased or terminal nothing is deliverable.
func (q *Queue) deliverableLocked(ps *planState) *models.Task {
	for _, id := range ps.taskIDs {
		t := q.tasks[id]
		switch t.Status {
		case models.TaskStatusCompleted:
			continue
		case models.TaskStatusPending:
			return t
		default:
			return nil
		}
	}
	return nil
}

// Acknowledge records the executor's result for a leased task. A success
// completes the task; a failure fails it and expires every remaining task
// of its plan. Reports against a lapsed or foreign lease are rejected and
// the result discarded.
func (q *Queue) Acknowledge(taskID, holderID string, res models.Result) (*AckInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaimLocked(now)

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	lease, ok := q.leases[taskID]
	if !ok || t.Status != models.TaskStatusLeased {
		return nil, ErrLeaseExpired
	}
	if lease.HolderID != holderID {
		return nil, ErrLeaseMismatch
	}

	delete(q.leases, taskID)
	res.ReportedAt = now
	t.Result = &res
	t.DoneAt = &now

	target := models.TaskStatusCompleted
	if !res.OK {
		target = models.TaskStatusFailed
	}
	if err := setStatus(t, target); err != nil {
		return nil, err
	}

	ps := q.plans[t.PlanID]
	info := &AckInfo{Task: t.Clone(), Plan: clonePlan(ps.plan)}

	if !res.OK {
		info.Aborted = q.expirePlanLocked(ps, t.ID, now)
	}

	if q.planTerminalLocked(ps) {
		ps.drained = true
		if q.active[t.SessionID] == t.PlanID {
			delete(q.active, t.SessionID)
		}
		info.PlanDrained = true
	}
	return info, nil
}

// ReclaimExpired returns every lapsed lease's task to pending. The engine
// runs this on a sweep interval; poll and report paths also reclaim lazily.
func (q *Queue) ReclaimExpired(now time.Time) []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaimLocked(now)
}

func (q *Queue) reclaimLocked(now time.Time) []*models.Task {
	var reclaimed []*models.Task
	for taskID, lease := range q.leases {
		if !lease.Expired(now) {
			continue
		}
		delete(q.leases, taskID)
		t := q.tasks[taskID]
		if err := setStatus(t, models.TaskStatusPending); err != nil {
			continue
		}
		reclaimed = append(reclaimed, t.Clone())
	}
	return reclaimed
}

// AbandonSession expires every non-terminal task belonging to the session
// and closes out its plans. Used on session close and idle eviction.
func (q *Queue) AbandonSession(sessionID string) []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []*models.Task
	for _, planID := range q.order {
		ps := q.plans[planID]
		if ps.plan.SessionID != sessionID || ps.drained {
			continue
		}
		expired = append(expired, q.expirePlanLocked(ps, "", now)...)
		ps.drained = true
	}
	delete(q.active, sessionID)
	return expired
}

// expirePlanLocked expires every non-terminal task of the plan except the
// one named by skipID, dropping any leases along the way.
func (q *Queue) expirePlanLocked(ps *planState, skipID string, now time.Time) []*models.Task {
	var expired []*models.Task
	for _, id := range ps.taskIDs {
		t := q.tasks[id]
		if t.ID == skipID || t.Status.Terminal() {
			continue
		}
		delete(q.leases, t.ID)
		if err := setStatus(t, models.TaskStatusExpired); err != nil {
			continue
		}
		d := now
		t.DoneAt = &d
		expired = append(expired, t.Clone())
	}
	return expired
}

func (q *Queue) planTerminalLocked(ps *planState) bool {
	for _, id := range ps.taskIDs {
		if !q.tasks[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// PurgeSession drops every plan and task belonging to the session. Called
// after a closed session has been archived; live plans must be abandoned
// first.
func (q *Queue) PurgeSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	keep := q.order[:0]
	for _, planID := range q.order {
		ps := q.plans[planID]
		if ps.plan.SessionID != sessionID {
			keep = append(keep, planID)
			continue
		}
		for _, id := range ps.taskIDs {
			delete(q.leases, id)
			delete(q.tasks, id)
			removed++
		}
		delete(q.plans, planID)
	}
	q.order = keep
	delete(q.active, sessionID)
	return removed
}

// SessionTasks returns copies of the session's tasks in plan then sequence
// order.
func (q *Queue) SessionTasks(sessionID string) []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.Task
	for _, planID := range q.order {
		ps := q.plans[planID]
		if ps.plan.SessionID != sessionID {
			continue
		}
		for _, id := range ps.taskIDs {
			out = append(out, q.tasks[id].Clone())
		}
	}
	return out
}

// PlanTasks returns copies of the plan's tasks in sequence order.
func (q *Queue) PlanTasks(planID string) ([]*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ps, ok := q.plans[planID]
	if !ok {
		return nil, false
	}
	out := make([]*models.Task, 0, len(ps.taskIDs))
	for _, id := range ps.taskIDs {
		out = append(out, q.tasks[id].Clone())
	}
	return out, true
}

// Snapshot counts tasks by status.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, t := range q.tasks {
		switch t.Status {
		case models.TaskStatusPending:
			s.Pending++
		case models.TaskStatusLeased:
			s.Leased++
		case models.TaskStatusCompleted:
			s.Completed++
		case models.TaskStatusFailed:
			s.Failed++
		case models.TaskStatusExpired:
			s.Expired++
		}
	}
	s.LiveLeases = len(q.leases)
	s.OpenPlans = len(q.active)
	return s
}

func clonePlan(p *models.Plan) *models.Plan {
	c := *p
	c.TaskIDs = append([]string(nil), p.TaskIDs...)
	return &c
}

func cloneLease(l *models.Lease) *models.Lease {
	c := *l
	return &c
}
