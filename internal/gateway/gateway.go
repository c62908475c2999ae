// Package gateway turns conversation transcripts into executable task plans
// by calling an LLM planner. Adapters exist for Gemini and Claude; both
// speak the same JSON plan contract and classify failures the same way.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

// Planner produces the next plan for a conversation. Implementations must
// be safe for concurrent use and honor ctx cancellation.
type Planner interface {
	RequestPlan(ctx context.Context, transcript []models.ConversationTurn) (*PlanResponse, error)
}

// PlannedTask is one step of a plan as the LLM describes it.
type PlannedTask struct {
	Kind    models.TaskKind `json:"kind"`
	Payload string          `json:"payload"`
}

// PlanResponse is the planner's reply: commentary for the user plus an
// ordered batch of tasks. AwaitResults asks for the results back before the
// planner decides the next step. An empty task list ends the exchange.
type PlanResponse struct {
	Message      string        `json:"message"`
	AwaitResults bool          `json:"await_results"`
	Tasks        []PlannedTask `json:"tasks"`
}

const planSystemPrompt = `You are a Roblox Studio automation planner. You control Studio through tasks executed by a companion plugin. Return ONLY a JSON object with these fields:
- "message": short explanation of what you are doing, shown to the user
- "await_results": true when you need the task results back before deciding the next step, false when this batch completes the request
- "tasks": array of task objects, each {"kind": "...", "payload": "..."}

Task kinds:
- "run_code": payload is a Luau chunk executed inside Studio. Print anything you want reported back.
- "insert_model": payload is a marketplace search query; the best match is inserted into the workspace.

Rules:
- Tasks run strictly in order; a failed task cancels the rest of the batch
- Keep each Luau chunk self-contained, state does not carry between chunks
- Set await_results for multi-step work that depends on what Studio reports
- Reply with an empty tasks array when answering a question or when the work is done
- Return valid JSON only, no markdown fencing or explanation`

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// chatTurn is a provider-neutral transcript entry.
type chatTurn struct {
	role string
	text string
}

// flattenTranscript renders the conversation for the planner. Execution
// results become user-role observations; consecutive same-role turns are
// merged so providers that require alternating roles stay happy.
func flattenTranscript(transcript []models.ConversationTurn) []chatTurn {
	var out []chatTurn
	push := func(role, text string) {
		if text == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].role == role {
			out[n-1].text += "\n\n" + text
			return
		}
		out = append(out, chatTurn{role: role, text: text})
	}

	for _, turn := range transcript {
		switch turn.Kind {
		case models.TurnUserPrompt:
			push(roleUser, turn.Text)
		case models.TurnAssistantPlan:
			text := turn.Text
			if text == "" {
				text = "(tasks queued)"
			}
			push(roleAssistant, text)
		case models.TurnExecutionResult:
			push(roleUser, renderResult(turn))
		}
	}
	return out
}

func renderResult(turn models.ConversationTurn) string {
	var sb strings.Builder
	outcome := "succeeded"
	if !turn.OK {
		outcome = "failed"
	}
	fmt.Fprintf(&sb, "Task %s (%s) %s.", turn.TaskID, turn.TaskKind, outcome)
	if turn.Text != "" {
		sb.WriteString("\n")
		sb.WriteString(turn.Text)
	}
	if len(turn.AbortedTaskIDs) > 0 {
		fmt.Fprintf(&sb, "\nRemaining tasks cancelled: %s", strings.Join(turn.AbortedTaskIDs, ", "))
	}
	return sb.String()
}
