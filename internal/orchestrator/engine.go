// Package orchestrator wires the session registry, the task queue, and the
// planner into the engine behind every surface: prompts come in, plans are
// requested and enqueued, executors poll and report, results feed the
// transcript and, for feedback plans, the next planner round.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/gateway"
	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/queue"
	"github.com/Skithrills/gemini-mcp-server/internal/session"
	"github.com/Skithrills/gemini-mcp-server/internal/stats"
)

// ErrEmptyPrompt is returned by Submit when the prompt has no content.
var ErrEmptyPrompt = errors.New("empty prompt")

// Archiver records finished sessions somewhere durable for later browsing.
// Failures are logged and otherwise ignored; the engine never reads back.
type Archiver interface {
	RecordSession(ctx context.Context, s *models.Session, tasks []*models.Task) error
}

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	LeaseTTL      time.Duration // executor lease TTL, default 15s
	SweepInterval time.Duration // janitor cadence, default 2s
	IdleTimeout   time.Duration // idle session eviction, default 30m
	MaxRounds     int           // planner rounds per prompt, default 8
	Archive       Archiver      // optional
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 8
	}
}

// Status is the aggregate server census for the status API.
type Status struct {
	Sessions int
	Queue    queue.Stats
	Counters stats.Counters
	Uptime   time.Duration
}

// Engine owns the queue and session registry and coordinates the planner.
type Engine struct {
	planner  gateway.Planner
	queue    *queue.Queue
	sessions *session.Manager
	stats    *stats.Collector
	cfg      Config

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // janitor
	inflight sync.WaitGroup // outstanding planner calls
}

// New creates an engine around the given planner.
func New(planner gateway.Planner, cfg Config) *Engine {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		planner:  planner,
		queue:    queue.New(cfg.LeaseTTL),
		sessions: session.NewManager(),
		stats:    stats.NewCollector(),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the janitor that reclaims lapsed leases and evicts idle
// sessions.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.janitor()
	slog.Info("engine started",
		"sweep_interval", e.cfg.SweepInterval,
		"idle_timeout", e.cfg.IdleTimeout,
		"max_rounds", e.cfg.MaxRounds)
}

// Stop cancels the janitor and waits for in-flight planner calls to drain.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.inflight.Wait()
	slog.Info("engine stopped")
}

// Submit records a prompt and kicks off planning. It returns the session ID
// immediately; the plan lands asynchronously. A busy session returns
// session.ErrBusy.
func (e *Engine) Submit(sessionID, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	s, err := e.sessions.Begin(sessionID, prompt)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			e.stats.PromptBusy()
		}
		return "", err
	}
	e.stats.PromptAccepted()
	slog.Info("prompt accepted", "session", s.ID)

	e.inflight.Add(1)
	go e.plan(s.ID, s.PlanEpoch)
	return s.ID, nil
}

// plan asks the planner for the next plan and installs it. Stale replies
// are discarded: the epoch no longer matches once the session is closed or
// re-prompted.
func (e *Engine) plan(sessionID string, epoch uint64) {
	defer e.inflight.Done()

	s, err := e.sessions.Get(sessionID)
	if err != nil || s.PlanEpoch != epoch {
		return
	}

	e.stats.GatewayCall()
	resp, err := e.planner.RequestPlan(e.ctx, s.Turns)
	if err != nil {
		kind := string(gateway.Transport)
		if ge, ok := gateway.AsError(err); ok {
			kind = string(ge.Kind)
		}
		e.stats.GatewayFailure(kind)
		if ferr := e.sessions.Fail(sessionID, epoch, fmt.Sprintf("planner failed: %v", err)); ferr == nil {
			slog.Warn("planner request failed", "session", sessionID, "error", err)
		}
		return
	}
	e.install(sessionID, epoch, s.Rounds, resp)
}

func (e *Engine) install(sessionID string, epoch uint64, round int, resp *gateway.PlanResponse) {
	plan := &models.Plan{
		ID:           models.NewID(),
		SessionID:    sessionID,
		Seq:          round,
		Message:      resp.Message,
		AwaitResults: resp.AwaitResults,
	}

	if len(resp.Tasks) == 0 {
		if _, err := e.sessions.InstallPlan(sessionID, epoch, plan); err != nil {
			return
		}
		e.stats.PlanInstalled(0)
		slog.Info("answer delivered", "session", sessionID)
		return
	}

	specs := make([]queue.TaskSpec, len(resp.Tasks))
	for i, task := range resp.Tasks {
		specs[i] = queue.TaskSpec{Kind: task.Kind, Payload: task.Payload}
	}
	tasks, err := e.queue.EnqueuePlan(plan, specs)
	if err != nil {
		e.stats.GatewayFailure(string(gateway.Malformed))
		_ = e.sessions.Fail(sessionID, epoch, fmt.Sprintf("could not enqueue plan: %v", err))
		slog.Warn("enqueue failed", "session", sessionID, "error", err)
		return
	}
	for _, t := range tasks {
		plan.TaskIDs = append(plan.TaskIDs, t.ID)
	}

	if _, err := e.sessions.InstallPlan(sessionID, epoch, plan); err != nil {
		// Session closed while the planner was thinking; drop the work.
		e.queue.AbandonSession(sessionID)
		e.queue.PurgeSession(sessionID)
		slog.Info("discarding plan for closed session", "session", sessionID)
		return
	}
	e.stats.PlanInstalled(len(tasks))
	slog.Info("plan installed",
		"session", sessionID,
		"plan", plan.ID,
		"tasks", len(tasks),
		"await_results", plan.AwaitResults)
}

// Poll hands the holder its next task, renewing an existing lease on
// re-poll. queue.ErrEmpty means nothing is deliverable right now.
func (e *Engine) Poll(holderID string) (*queue.Grant, error) {
	grant, err := e.queue.NextDeliverable(holderID)
	if err != nil {
		return nil, err
	}
	e.stats.TaskGranted(grant.Renewed)
	if !grant.Renewed {
		slog.Info("task granted",
			"task", grant.Task.ID,
			"holder", holderID,
			"kind", grant.Task.Kind,
			"seq", grant.Task.Seq)
	}
	return grant, nil
}

// Report acknowledges an executor result, appends it to the transcript,
// and closes out the plan when it drains. Lease errors from the queue pass
// through; the caller maps them to the REJECTED reply.
func (e *Engine) Report(taskID, holderID string, res models.Result) error {
	info, err := e.queue.Acknowledge(taskID, holderID, res)
	if err != nil {
		e.stats.ReportRejected()
		slog.Warn("report rejected", "task", taskID, "holder", holderID, "error", err)
		return err
	}

	if err := e.sessions.AppendResults(info.Plan.SessionID, []models.ConversationTurn{resultTurn(info)}); err != nil {
		slog.Warn("transcript append failed", "session", info.Plan.SessionID, "error", err)
	}
	if res.OK {
		e.stats.TaskCompleted()
	} else {
		e.stats.TaskFailed()
	}
	e.stats.TasksAborted(len(info.Aborted))
	slog.Info("task reported", "task", taskID, "ok", res.OK, "aborted", len(info.Aborted))

	if info.PlanDrained {
		e.completePlan(info)
	}
	return nil
}

// resultTurn renders an acknowledged task as a transcript entry. Aborted
// tasks get no entries of their own; the failing task's turn names them.
func resultTurn(info *queue.AckInfo) models.ConversationTurn {
	task := info.Task
	text := task.Result.Output
	if !task.Result.OK {
		text = task.Result.Reason
	}
	turn := models.ConversationTurn{
		Kind:     models.TurnExecutionResult,
		Text:     text,
		PlanID:   task.PlanID,
		TaskID:   task.ID,
		TaskKind: task.Kind,
		OK:       task.Result.OK,
	}
	for _, aborted := range info.Aborted {
		turn.AbortedTaskIDs = append(turn.AbortedTaskIDs, aborted.ID)
	}
	return turn
}

// completePlan runs once a plan has drained: either the session goes idle
// or, for a feedback plan within the round budget, the planner is invoked
// again with the updated transcript.
func (e *Engine) completePlan(info *queue.AckInfo) {
	sessionID := info.Plan.SessionID
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return
	}
	epoch := s.PlanEpoch

	if info.Plan.AwaitResults {
		if s.Rounds >= e.cfg.MaxRounds {
			e.stats.RoundLimitHit()
			_ = e.sessions.Fail(sessionID, epoch, "stopping: planner round limit reached")
			slog.Warn("round limit reached", "session", sessionID, "rounds", s.Rounds)
			return
		}
		if _, err := e.sessions.FinishPlan(sessionID, epoch, true); err != nil {
			return
		}
		e.stats.Continuation()
		slog.Info("continuing plan", "session", sessionID, "round", s.Rounds+1)

		e.inflight.Add(1)
		go e.plan(sessionID, epoch)
		return
	}

	if _, err := e.sessions.FinishPlan(sessionID, epoch, false); err == nil {
		slog.Info("plan complete", "session", sessionID, "plan", info.Plan.ID)
	}
}

// CloseSession abandons outstanding work, archives the transcript, and
// frees the session.
func (e *Engine) CloseSession(sessionID string) error {
	s, err := e.sessions.Close(sessionID)
	if err != nil {
		return err
	}
	e.queue.AbandonSession(sessionID)
	e.archiveAndPurge(s)
	e.stats.SessionClosed()
	slog.Info("session closed", "session", sessionID)
	return nil
}

func (e *Engine) archiveAndPurge(s *models.Session) {
	tasks := e.queue.SessionTasks(s.ID)
	if e.cfg.Archive != nil {
		if err := e.cfg.Archive.RecordSession(context.Background(), s, tasks); err != nil {
			slog.Warn("archive session", "session", s.ID, "error", err)
		}
	}
	e.queue.PurgeSession(s.ID)
}

func (e *Engine) janitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	reclaimed := e.queue.ReclaimExpired(time.Now())
	e.stats.TasksReclaimed(len(reclaimed))
	for _, t := range reclaimed {
		slog.Info("lease reclaimed", "task", t.ID, "session", t.SessionID, "attempts", t.Attempts)
	}

	for _, s := range e.sessions.EvictIdle(e.cfg.IdleTimeout) {
		e.queue.AbandonSession(s.ID)
		e.archiveAndPurge(s)
		e.stats.SessionEvicted()
		slog.Info("session evicted", "session", s.ID)
	}
}

// SessionView returns the session and its tasks for inspection surfaces.
func (e *Engine) SessionView(sessionID string) (*models.Session, []*models.Task, error) {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return s, e.queue.SessionTasks(sessionID), nil
}

// ListSessions returns all live sessions in creation order.
func (e *Engine) ListSessions() []*models.Session {
	return e.sessions.List()
}

// Status reports the aggregate census.
func (e *Engine) Status() Status {
	return Status{
		Sessions: e.sessions.Len(),
		Queue:    e.queue.Snapshot(),
		Counters: e.stats.Snapshot(),
		Uptime:   e.stats.Uptime(),
	}
}
