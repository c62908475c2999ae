package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skithrills/gemini-mcp-server/internal/api"
	"github.com/Skithrills/gemini-mcp-server/internal/client"
	"github.com/Skithrills/gemini-mcp-server/internal/gateway"
	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/orchestrator"
)

type plannerFunc func(ctx context.Context, turns []models.ConversationTurn) (*gateway.PlanResponse, error)

func (f plannerFunc) RequestPlan(ctx context.Context, turns []models.ConversationTurn) (*gateway.PlanResponse, error) {
	return f(ctx, turns)
}

// newLoopbackEnv starts an engine-backed test server and returns a client
// pointed at it.
func newLoopbackEnv(t *testing.T, payloads ...string) *client.Client {
	t.Helper()
	testEnv(t)

	planner := plannerFunc(func(context.Context, []models.ConversationTurn) (*gateway.PlanResponse, error) {
		resp := &gateway.PlanResponse{Message: "working"}
		for _, p := range payloads {
			resp.Tasks = append(resp.Tasks, gateway.PlannedTask{Kind: models.TaskKindRunCode, Payload: p})
		}
		return resp, nil
	})

	engine := orchestrator.New(planner, orchestrator.Config{})
	t.Cleanup(engine.Stop)

	ts := httptest.NewServer(api.NewServer(engine, "test").Router())
	t.Cleanup(ts.Close)

	return client.New(ts.URL)
}

func TestExecOnce_DrainsPlan(t *testing.T) {
	c := newLoopbackEnv(t, "print(1)")

	var buf bytes.Buffer
	ui.Out = &buf

	resp, err := c.SubmitPrompt("", "build something")
	require.NoError(t, err)

	// The plan installs asynchronously after the 202.
	require.Eventually(t, func() bool {
		d, err := c.GetSession(resp.SessionID)
		return err == nil && d.Status == string(models.SessionStatusExecutingPlan)
	}, time.Second, 5*time.Millisecond)

	delivered, err := execOnce(c, "holder-1")
	require.NoError(t, err)
	assert.True(t, delivered, "one task should have been delivered")
	assert.Contains(t, buf.String(), "reported")

	// Queue is drained; nothing more to deliver.
	delivered, err = execOnce(c, "holder-1")
	require.NoError(t, err)
	assert.False(t, delivered)

	// The echoed result lands in the transcript and idles the session.
	require.Eventually(t, func() bool {
		d, err := c.GetSession(resp.SessionID)
		return err == nil && d.Status == string(models.SessionStatusIdle)
	}, time.Second, 5*time.Millisecond)

	detail, err := c.GetSession(resp.SessionID)
	require.NoError(t, err)
	var results int
	for _, turn := range detail.Transcript {
		if turn.Kind == string(models.TurnExecutionResult) {
			results++
			assert.Equal(t, "print(1)", turn.Text)
		}
	}
	assert.Equal(t, 1, results)
}

func TestExecOnce_EmptyQueue(t *testing.T) {
	c := newLoopbackEnv(t)

	delivered, err := execOnce(c, "holder-1")
	require.NoError(t, err)
	assert.False(t, delivered)
}
