package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

// scriptedPlanner replays a fixed sequence of outcomes.
type scriptedPlanner struct {
	calls   int
	errs    []error
	success *PlanResponse
}

func (s *scriptedPlanner) RequestPlan(_ context.Context, _ []models.ConversationTurn) (*PlanResponse, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return nil, s.errs[s.calls-1]
	}
	return s.success, nil
}

func newRetrying(inner Planner, policy RetryPolicy, delays *[]time.Duration) *retryingPlanner {
	return &retryingPlanner{
		inner:  inner,
		policy: policy,
		sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestRetry_RecoversFromTransientErrors(t *testing.T) {
	inner := &scriptedPlanner{
		errs: []error{
			&Error{Kind: RateLimited, Msg: "slow down"},
			&Error{Kind: Transport, Msg: "connection reset"},
		},
		success: &PlanResponse{Message: "ok"},
	}
	var delays []time.Duration
	r := newRetrying(inner, DefaultRetryPolicy(), &delays)

	resp, err := r.RequestPlan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}

func TestRetry_FailsFastOnUnauthorized(t *testing.T) {
	inner := &scriptedPlanner{errs: []error{&Error{Kind: Unauthorized, Msg: "bad key"}}}
	var delays []time.Duration
	r := newRetrying(inner, DefaultRetryPolicy(), &delays)

	_, err := r.RequestPlan(context.Background(), nil)
	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, Unauthorized, ge.Kind)
	assert.Equal(t, 1, inner.calls)
	assert.Empty(t, delays)
}

func TestRetry_FailsFastOnMalformed(t *testing.T) {
	inner := &scriptedPlanner{errs: []error{&Error{Kind: Malformed, Msg: "not a plan"}}}
	var delays []time.Duration
	r := newRetrying(inner, DefaultRetryPolicy(), &delays)

	_, err := r.RequestPlan(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestRetry_Exhaustion(t *testing.T) {
	inner := &scriptedPlanner{
		errs: []error{
			&Error{Kind: RateLimited},
			&Error{Kind: RateLimited},
			&Error{Kind: RateLimited},
		},
	}
	var delays []time.Duration
	r := newRetrying(inner, DefaultRetryPolicy(), &delays)

	_, err := r.RequestPlan(context.Background(), nil)
	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, RateLimited, ge.Kind)
	assert.Equal(t, 3, inner.calls)
}

func TestRetry_DelayCapped(t *testing.T) {
	inner := &scriptedPlanner{
		errs: []error{
			&Error{Kind: Transport},
			&Error{Kind: Transport},
			&Error{Kind: Transport},
		},
		success: &PlanResponse{Message: "ok"},
	}
	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: 4 * time.Second, MaxDelay: 5 * time.Second}
	r := newRetrying(inner, policy, &delays)

	_, err := r.RequestPlan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{4 * time.Second, 5 * time.Second, 5 * time.Second}, delays)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	inner := &scriptedPlanner{errs: []error{&Error{Kind: RateLimited}}}
	r := &retryingPlanner{
		inner:  inner,
		policy: DefaultRetryPolicy(),
		sleep: func(ctx context.Context, _ time.Duration) error {
			return context.Canceled
		},
	}

	_, err := r.RequestPlan(context.Background(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&Error{Kind: RateLimited}))
	assert.True(t, Retryable(&Error{Kind: Transport}))
	assert.False(t, Retryable(&Error{Kind: Unauthorized}))
	assert.False(t, Retryable(&Error{Kind: Malformed}))
	assert.False(t, Retryable(context.Canceled))
}
