package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skithrills/gemini-mcp-server/internal/api"
	"github.com/Skithrills/gemini-mcp-server/internal/gateway"
	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/orchestrator"
)

type plannerFunc func(ctx context.Context, turns []models.ConversationTurn) (*gateway.PlanResponse, error)

func (f plannerFunc) RequestPlan(ctx context.Context, turns []models.ConversationTurn) (*gateway.PlanResponse, error) {
	return f(ctx, turns)
}

func newTestClient(t *testing.T, planner gateway.Planner) *Client {
	t.Helper()
	engine := orchestrator.New(planner, orchestrator.Config{})
	t.Cleanup(engine.Stop)

	srv := httptest.NewServer(api.NewServer(engine, "test").Router())
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func waitForStatus(t *testing.T, c *Client, id, status string) *api.SessionDetail {
	t.Helper()
	var detail *api.SessionDetail
	require.Eventually(t, func() bool {
		d, err := c.GetSession(id)
		if err != nil {
			return false
		}
		detail = d
		return d.Status == status
	}, time.Second, 5*time.Millisecond)
	return detail
}

func TestSubmitPrompt_MessageAnswer(t *testing.T) {
	c := newTestClient(t, plannerFunc(func(context.Context, []models.ConversationTurn) (*gateway.PlanResponse, error) {
		return &gateway.PlanResponse{Message: "a part is a BasePart"}, nil
	}))

	resp, err := c.SubmitPrompt("", "what is a part?")
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)

	detail := waitForStatus(t, c, resp.SessionID, "idle")
	require.Len(t, detail.Transcript, 2)
	assert.Equal(t, "a part is a BasePart", detail.Transcript[1].Text)
}

func TestSubmitPrompt_Busy(t *testing.T) {
	c := newTestClient(t, plannerFunc(func(context.Context, []models.ConversationTurn) (*gateway.PlanResponse, error) {
		return &gateway.PlanResponse{
			Message: "working",
			Tasks:   []gateway.PlannedTask{{Kind: models.TaskKindRunCode, Payload: "print(1)"}},
		}, nil
	}))

	resp, err := c.SubmitPrompt("", "first")
	require.NoError(t, err)
	waitForStatus(t, c, resp.SessionID, "executing_plan")

	_, err = c.SubmitPrompt(resp.SessionID, "second")
	require.ErrorIs(t, err, ErrBusy)
}

func TestPollAndReport(t *testing.T) {
	c := newTestClient(t, plannerFunc(func(context.Context, []models.ConversationTurn) (*gateway.PlanResponse, error) {
		return &gateway.PlanResponse{
			Message: "running",
			Tasks:   []gateway.PlannedTask{{Kind: models.TaskKindRunCode, Payload: "print(1)"}},
		}, nil
	}))

	resp, err := c.SubmitPrompt("", "run it")
	require.NoError(t, err)
	waitForStatus(t, c, resp.SessionID, "executing_plan")

	grant, err := c.Poll("studio-1")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, "print(1)", grant.Payload)
	assert.Equal(t, "run_code", grant.Kind)

	accepted, err := c.Report(api.ReportRequest{
		HolderID: "studio-1",
		TaskID:   grant.TaskID,
		OK:       true,
		Output:   "done",
	})
	require.NoError(t, err)
	assert.True(t, accepted)

	// Drained: the next poll comes back empty, not as an error.
	grant, err = c.Poll("studio-1")
	require.NoError(t, err)
	assert.Nil(t, grant)

	waitForStatus(t, c, resp.SessionID, "idle")
}

func TestReport_RejectedIsNotAnError(t *testing.T) {
	c := newTestClient(t, plannerFunc(func(context.Context, []models.ConversationTurn) (*gateway.PlanResponse, error) {
		return &gateway.PlanResponse{Message: "hi"}, nil
	}))

	accepted, err := c.Report(api.ReportRequest{HolderID: "studio-1", TaskID: "gone", OK: true})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestSessionsStatusHealth(t *testing.T) {
	c := newTestClient(t, plannerFunc(func(context.Context, []models.ConversationTurn) (*gateway.PlanResponse, error) {
		return &gateway.PlanResponse{Message: "hi"}, nil
	}))

	resp, err := c.SubmitPrompt("", "hello")
	require.NoError(t, err)
	waitForStatus(t, c, resp.SessionID, "idle")

	sessions, err := c.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, resp.SessionID, sessions[0].ID)

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, int64(1), st.Counters.PromptsAccepted)

	version, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "test", version)

	require.NoError(t, c.CloseSession(resp.SessionID))
	_, err = c.GetSession(resp.SessionID)
	require.Error(t, err)

	err = c.CloseSession(resp.SessionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
