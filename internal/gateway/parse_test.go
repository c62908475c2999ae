package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

func TestParsePlan_JSON(t *testing.T) {
	resp, err := ParsePlan(`{"message":"building a tower","await_results":true,"tasks":[{"kind":"run_code","payload":"print(1)"},{"kind":"insert_model","payload":"oak tree"}]}`)
	require.NoError(t, err)

	assert.Equal(t, "building a tower", resp.Message)
	assert.True(t, resp.AwaitResults)
	require.Len(t, resp.Tasks, 2)
	assert.Equal(t, models.TaskKindRunCode, resp.Tasks[0].Kind)
	assert.Equal(t, "print(1)", resp.Tasks[0].Payload)
	assert.Equal(t, models.TaskKindInsertModel, resp.Tasks[1].Kind)
}

func TestParsePlan_FencedJSON(t *testing.T) {
	resp, err := ParsePlan("```json\n{\"message\":\"ok\",\"tasks\":[]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message)
	assert.Empty(t, resp.Tasks)
}

func TestParsePlan_UnknownKind(t *testing.T) {
	_, err := ParsePlan(`{"message":"m","tasks":[{"kind":"delete_world","payload":"x"}]}`)
	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, Malformed, ge.Kind)
	assert.Contains(t, ge.Msg, "delete_world")
}

func TestParsePlan_EmptyPayload(t *testing.T) {
	_, err := ParsePlan(`{"message":"m","tasks":[{"kind":"run_code","payload":"  "}]}`)
	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, Malformed, ge.Kind)
}

func TestParsePlan_LuauFallback(t *testing.T) {
	text := "Here is the script you asked for:\n```luau\nlocal p = Instance.new(\"Part\")\np.Parent = workspace\n```\nRun it in Studio."
	resp, err := ParsePlan(text)
	require.NoError(t, err)

	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, models.TaskKindRunCode, resp.Tasks[0].Kind)
	assert.Contains(t, resp.Tasks[0].Payload, "Instance.new")
	assert.NotContains(t, resp.Tasks[0].Payload, "```")
	assert.Contains(t, resp.Message, "Here is the script")
	assert.Contains(t, resp.Message, "Run it in Studio.")
	assert.False(t, resp.AwaitResults)
}

func TestParsePlan_LuaFenceVariant(t *testing.T) {
	resp, err := ParsePlan("```lua\nprint('hi')\n```")
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "print('hi')", resp.Tasks[0].Payload)
}

func TestParsePlan_Garbage(t *testing.T) {
	_, err := ParsePlan("I cannot help with that.")
	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, Malformed, ge.Kind)
}

func TestParsePlan_EmptyObject(t *testing.T) {
	_, err := ParsePlan(`{}`)
	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, Malformed, ge.Kind)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}
