package gateway

import (
	"context"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

// RetryPolicy bounds how hard a planner is retried. Only rate-limit and
// transport failures are retried; everything else returns immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries twice more after the first failure, backing
// off 500ms, 1s, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
}

type retryingPlanner struct {
	inner  Planner
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps a planner with bounded exponential backoff.
func WithRetry(p Planner, policy RetryPolicy) Planner {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	return &retryingPlanner{inner: p, policy: policy, sleep: sleepCtx}
}

func (r *retryingPlanner) RequestPlan(ctx context.Context, transcript []models.ConversationTurn) (*PlanResponse, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.delay(attempt)); err != nil {
				return nil, err
			}
		}
		resp, err := r.inner.RequestPlan(ctx, transcript)
		if err == nil {
			return resp, nil
		}
		if !Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// delay returns the backoff before the given attempt (1-based retries).
func (r *retryingPlanner) delay(attempt int) time.Duration {
	d := r.policy.BaseDelay << (attempt - 1)
	if d > r.policy.MaxDelay || d <= 0 {
		d = r.policy.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
