package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

// newTestQueue returns a queue with a deterministic clock and a function
// that advances it.
func newTestQueue(t *testing.T, ttl time.Duration) (*Queue, func(time.Duration)) {
	t.Helper()
	q := New(ttl)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }
	return q, func(d time.Duration) { current = current.Add(d) }
}

func testPlan(sessionID string) *models.Plan {
	return &models.Plan{ID: models.NewID(), SessionID: sessionID}
}

func runCodeSpecs(n int) []TaskSpec {
	specs := make([]TaskSpec, n)
	for i := range specs {
		specs[i] = TaskSpec{Kind: models.TaskKindRunCode, Payload: fmt.Sprintf("print(%d)", i)}
	}
	return specs
}

func TestEnqueuePlan_DenseSequence(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(3))
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	for i, task := range tasks {
		assert.Equal(t, i, task.Seq)
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.Equal(t, "sess-1", task.SessionID)
		assert.NotEmpty(t, task.ID)
	}
	assert.NotEqual(t, tasks[0].ID, tasks[1].ID)
}

func TestEnqueuePlan_SecondPlanRejected(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	_, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	require.NoError(t, err)

	_, err = q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	assert.ErrorIs(t, err, ErrPlanActive)

	// A different session is unaffected.
	_, err = q.EnqueuePlan(testPlan("sess-2"), runCodeSpecs(1))
	assert.NoError(t, err)
}

func TestEnqueuePlan_Empty(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	_, err := q.EnqueuePlan(testPlan("sess-1"), nil)
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestNextDeliverable_StrictOrder(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(3))
	require.NoError(t, err)

	grant, err := q.NextDeliverable("holder-a")
	require.NoError(t, err)
	assert.Equal(t, tasks[0].ID, grant.Task.ID)
	assert.Equal(t, 0, grant.Task.Seq)
	assert.Equal(t, models.TaskStatusLeased, grant.Task.Status)
	assert.Equal(t, 1, grant.Task.Attempts)

	// Seq 1 is not deliverable while seq 0 is leased, to anyone.
	_, err = q.NextDeliverable("holder-b")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = q.Acknowledge(tasks[0].ID, "holder-a", models.Result{OK: true, Output: "ok"})
	require.NoError(t, err)

	grant, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)
	assert.Equal(t, 1, grant.Task.Seq)
}

func TestNextDeliverable_RenewOnRepoll(t *testing.T) {
	q, advance := newTestQueue(t, time.Minute)

	_, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(2))
	require.NoError(t, err)

	first, err := q.NextDeliverable("holder-a")
	require.NoError(t, err)
	assert.False(t, first.Renewed)

	advance(30 * time.Second)

	again, err := q.NextDeliverable("holder-a")
	require.NoError(t, err)
	assert.True(t, again.Renewed)
	assert.Equal(t, first.Task.ID, again.Task.ID)
	assert.True(t, again.Lease.ExpiresAt.After(first.Lease.ExpiresAt))
	// Renewal is not a redelivery.
	assert.Equal(t, 1, again.Task.Attempts)
}

func TestNextDeliverable_FIFOAcrossSessions(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	older, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	require.NoError(t, err)
	newer, err := q.EnqueuePlan(testPlan("sess-2"), runCodeSpecs(1))
	require.NoError(t, err)

	grant, err := q.NextDeliverable("holder-a")
	require.NoError(t, err)
	assert.Equal(t, older[0].ID, grant.Task.ID)

	// The older plan's head is leased, so the next holder is served from
	// the newer plan.
	grant, err = q.NextDeliverable("holder-b")
	require.NoError(t, err)
	assert.Equal(t, newer[0].ID, grant.Task.ID)
}

func TestReclaimExpired_RedeliversTask(t *testing.T) {
	q, advance := newTestQueue(t, 15*time.Second)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	require.NoError(t, err)

	_, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)

	advance(16 * time.Second)
	reclaimed := q.ReclaimExpired(q.now())
	require.Len(t, reclaimed, 1)
	assert.Equal(t, models.TaskStatusPending, reclaimed[0].Status)

	// The original holder's report is rejected and the result discarded.
	_, err = q.Acknowledge(tasks[0].ID, "holder-a", models.Result{OK: true})
	assert.ErrorIs(t, err, ErrLeaseExpired)

	// A second holder picks the task up and completes it.
	grant, err := q.NextDeliverable("holder-b")
	require.NoError(t, err)
	assert.Equal(t, tasks[0].ID, grant.Task.ID)
	assert.Equal(t, 2, grant.Task.Attempts)

	info, err := q.Acknowledge(tasks[0].ID, "holder-b", models.Result{OK: true, Output: "done"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, info.Task.Status)
	require.NotNil(t, info.Task.Result)
	assert.Equal(t, "done", info.Task.Result.Output)
}

func TestReclaimExpired_Idempotent(t *testing.T) {
	q, advance := newTestQueue(t, 15*time.Second)

	_, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	require.NoError(t, err)
	_, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)

	advance(16 * time.Second)
	require.Len(t, q.ReclaimExpired(q.now()), 1)

	// A second sweep finds nothing; the task stays pending once.
	assert.Empty(t, q.ReclaimExpired(q.now()))
	assert.Equal(t, 1, q.Snapshot().Pending)
}

func TestNextDeliverable_ConcurrentSingleWinner(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	require.NoError(t, err)

	const holders = 16
	grants := make(chan *Grant, holders)
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			grant, err := q.NextDeliverable(fmt.Sprintf("holder-%d", i))
			if err == nil {
				grants <- grant
			}
		}(i)
	}
	wg.Wait()
	close(grants)

	// Exactly one holder won the lease; everyone else saw an empty queue.
	var won []*Grant
	for grant := range grants {
		won = append(won, grant)
	}
	require.Len(t, won, 1)
	assert.Equal(t, tasks[0].ID, won[0].Task.ID)
}

func TestReclaim_IsLazyOnPoll(t *testing.T) {
	q, advance := newTestQueue(t, 15*time.Second)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	require.NoError(t, err)

	_, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)

	// No sweep runs, but a poll after expiry still sees the task.
	advance(20 * time.Second)
	grant, err := q.NextDeliverable("holder-b")
	require.NoError(t, err)
	assert.Equal(t, tasks[0].ID, grant.Task.ID)
}

func TestAcknowledge_LeaseMismatch(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	require.NoError(t, err)

	_, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)

	_, err = q.Acknowledge(tasks[0].ID, "holder-b", models.Result{OK: true})
	assert.ErrorIs(t, err, ErrLeaseMismatch)

	// The rightful holder is unaffected.
	_, err = q.Acknowledge(tasks[0].ID, "holder-a", models.Result{OK: true})
	assert.NoError(t, err)
}

func TestAcknowledge_UnknownTask(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	_, err := q.Acknowledge("no-such-task", "holder-a", models.Result{OK: true})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestAcknowledge_FailureAbortsRemainder(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(3))
	require.NoError(t, err)

	grant, err := q.NextDeliverable("holder-a")
	require.NoError(t, err)
	_, err = q.Acknowledge(grant.Task.ID, "holder-a", models.Result{OK: true})
	require.NoError(t, err)

	grant, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)
	require.Equal(t, 1, grant.Task.Seq)

	info, err := q.Acknowledge(grant.Task.ID, "holder-a", models.Result{OK: false, Reason: "script error"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, info.Task.Status)
	assert.True(t, info.PlanDrained)
	require.Len(t, info.Aborted, 1)
	assert.Equal(t, tasks[2].ID, info.Aborted[0].ID)
	assert.Equal(t, models.TaskStatusExpired, info.Aborted[0].Status)

	// Nothing left to deliver and the session can start a new plan.
	_, err = q.NextDeliverable("holder-a")
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	assert.NoError(t, err)
}

func TestAcknowledge_DrainCompletesPlan(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	plan := testPlan("sess-1")
	plan.AwaitResults = true
	_, err := q.EnqueuePlan(plan, runCodeSpecs(2))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		grant, err := q.NextDeliverable("holder-a")
		require.NoError(t, err)
		info, err := q.Acknowledge(grant.Task.ID, "holder-a", models.Result{OK: true})
		require.NoError(t, err)
		if i == 0 {
			assert.False(t, info.PlanDrained)
		} else {
			assert.True(t, info.PlanDrained)
			assert.True(t, info.Plan.AwaitResults)
		}
	}
}

func TestAbandonSession_ExpiresEverything(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	_, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(3))
	require.NoError(t, err)
	_, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)

	expired := q.AbandonSession("sess-1")
	assert.Len(t, expired, 3)
	for _, task := range expired {
		assert.Equal(t, models.TaskStatusExpired, task.Status)
	}

	snap := q.Snapshot()
	assert.Zero(t, snap.LiveLeases)
	assert.Zero(t, snap.OpenPlans)

	_, err = q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(1))
	assert.NoError(t, err)
}

func TestSnapshot_Counts(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	_, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(3))
	require.NoError(t, err)

	grant, err := q.NextDeliverable("holder-a")
	require.NoError(t, err)
	_, err = q.Acknowledge(grant.Task.ID, "holder-a", models.Result{OK: true})
	require.NoError(t, err)

	_, err = q.NextDeliverable("holder-a")
	require.NoError(t, err)

	snap := q.Snapshot()
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, 1, snap.Leased)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.LiveLeases)
	assert.Equal(t, 1, snap.OpenPlans)
}

func TestPurgeSession(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	_, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(2))
	require.NoError(t, err)
	_, err = q.EnqueuePlan(testPlan("sess-2"), runCodeSpecs(1))
	require.NoError(t, err)

	q.AbandonSession("sess-1")
	removed := q.PurgeSession("sess-1")
	assert.Equal(t, 2, removed)
	assert.Empty(t, q.SessionTasks("sess-1"))

	// The other session is untouched.
	assert.Len(t, q.SessionTasks("sess-2"), 1)

	snap := q.Snapshot()
	assert.Equal(t, 1, snap.Pending)
	assert.Zero(t, snap.Expired)
}

func TestSessionTasks_Ordered(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)

	tasks, err := q.EnqueuePlan(testPlan("sess-1"), runCodeSpecs(2))
	require.NoError(t, err)

	got := q.SessionTasks("sess-1")
	require.Len(t, got, 2)
	assert.Equal(t, tasks[0].ID, got[0].ID)
	assert.Equal(t, tasks[1].ID, got[1].ID)

	assert.Empty(t, q.SessionTasks("sess-2"))
}
