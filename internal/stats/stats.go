// Package stats keeps an in-memory census of engine activity for the
// status API and CLI.
package stats

import (
	"sync"
	"time"
)

// Counters is a monotonic census of engine activity since start.
type Counters struct {
	PromptsAccepted int64
	PromptsBusy     int64
	PlansInstalled  int64
	MessagePlans    int64
	Continuations   int64
	RoundLimitHits  int64

	GatewayCalls        int64
	GatewayRateLimited  int64
	GatewayUnauthorized int64
	GatewayTransport    int64
	GatewayMalformed    int64

	TasksGranted    int64
	LeaseRenewals   int64
	TasksCompleted  int64
	TasksFailed     int64
	TasksAborted    int64
	TasksReclaimed  int64
	ReportsRejected int64

	SessionsClosed  int64
	SessionsEvicted int64
}

// Collector accumulates counters. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	c         Counters
	startedAt time.Time
}

// NewCollector starts a fresh census.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

// Snapshot returns a copy of the counters.
func (c *Collector) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}

// Uptime reports how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.startedAt)
}

func (c *Collector) PromptAccepted() { c.add(func(n *Counters) { n.PromptsAccepted++ }) }
func (c *Collector) PromptBusy()     { c.add(func(n *Counters) { n.PromptsBusy++ }) }

// PlanInstalled records a planner reply that was accepted: a task plan or a
// message-only answer.
func (c *Collector) PlanInstalled(tasks int) {
	c.add(func(n *Counters) {
		if tasks == 0 {
			n.MessagePlans++
		} else {
			n.PlansInstalled++
		}
	})
}

func (c *Collector) Continuation()  { c.add(func(n *Counters) { n.Continuations++ }) }
func (c *Collector) RoundLimitHit() { c.add(func(n *Counters) { n.RoundLimitHits++ }) }

func (c *Collector) GatewayCall() { c.add(func(n *Counters) { n.GatewayCalls++ }) }

// GatewayFailure buckets a planner failure by its classified kind.
func (c *Collector) GatewayFailure(kind string) {
	c.add(func(n *Counters) {
		switch kind {
		case "rate_limited":
			n.GatewayRateLimited++
		case "unauthorized":
			n.GatewayUnauthorized++
		case "malformed":
			n.GatewayMalformed++
		default:
			n.GatewayTransport++
		}
	})
}

// TaskGranted records a delivery; renewals are counted separately.
func (c *Collector) TaskGranted(renewed bool) {
	c.add(func(n *Counters) {
		if renewed {
			n.LeaseRenewals++
		} else {
			n.TasksGranted++
		}
	})
}

func (c *Collector) TaskCompleted()     { c.add(func(n *Counters) { n.TasksCompleted++ }) }
func (c *Collector) TaskFailed()        { c.add(func(n *Counters) { n.TasksFailed++ }) }
func (c *Collector) TasksAborted(k int) { c.add(func(n *Counters) { n.TasksAborted += int64(k) }) }
func (c *Collector) TasksReclaimed(k int) {
	if k == 0 {
		return
	}
	c.add(func(n *Counters) { n.TasksReclaimed += int64(k) })
}
func (c *Collector) ReportRejected() { c.add(func(n *Counters) { n.ReportsRejected++ }) }

func (c *Collector) SessionClosed()  { c.add(func(n *Counters) { n.SessionsClosed++ }) }
func (c *Collector) SessionEvicted() { c.add(func(n *Counters) { n.SessionsEvicted++ }) }

func (c *Collector) add(fn func(*Counters)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.c)
}
