package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

func TestFlattenTranscript_RolesAndMerging(t *testing.T) {
	transcript := []models.ConversationTurn{
		{Kind: models.TurnUserPrompt, Text: "make a tree"},
		{Kind: models.TurnAssistantPlan, Text: "planting", PlanID: "p1"},
		{Kind: models.TurnExecutionResult, TaskID: "t1", TaskKind: models.TaskKindRunCode, OK: true, Text: "trunk placed"},
		{Kind: models.TurnExecutionResult, TaskID: "t2", TaskKind: models.TaskKindInsertModel, OK: true, Text: "leaves inserted"},
		{Kind: models.TurnAssistantPlan, Text: "done", PlanID: "p2"},
	}

	turns := flattenTranscript(transcript)
	require.Len(t, turns, 4)

	assert.Equal(t, roleUser, turns[0].role)
	assert.Equal(t, roleAssistant, turns[1].role)

	// Consecutive results merge into one user turn.
	assert.Equal(t, roleUser, turns[2].role)
	assert.Contains(t, turns[2].text, "t1")
	assert.Contains(t, turns[2].text, "t2")
	assert.Contains(t, turns[2].text, "trunk placed")

	assert.Equal(t, roleAssistant, turns[3].role)
}

func TestFlattenTranscript_EmptyAssistantText(t *testing.T) {
	transcript := []models.ConversationTurn{
		{Kind: models.TurnUserPrompt, Text: "go"},
		{Kind: models.TurnAssistantPlan, PlanID: "p1"},
	}

	turns := flattenTranscript(transcript)
	require.Len(t, turns, 2)
	assert.Equal(t, "(tasks queued)", turns[1].text)
}

func TestRenderResult_Failure(t *testing.T) {
	text := renderResult(models.ConversationTurn{
		Kind:           models.TurnExecutionResult,
		TaskID:         "t9",
		TaskKind:       models.TaskKindRunCode,
		OK:             false,
		Text:           "attempt to index nil",
		AbortedTaskIDs: []string{"t10", "t11"},
	})

	assert.Contains(t, text, "t9")
	assert.Contains(t, text, "failed")
	assert.Contains(t, text, "attempt to index nil")
	assert.Contains(t, text, "t10, t11")
}

func TestPlanSystemPrompt_NamesContract(t *testing.T) {
	assert.Contains(t, planSystemPrompt, `"message"`)
	assert.Contains(t, planSystemPrompt, `"await_results"`)
	assert.Contains(t, planSystemPrompt, `"tasks"`)
	assert.Contains(t, planSystemPrompt, `"run_code"`)
	assert.Contains(t, planSystemPrompt, `"insert_model"`)
}
