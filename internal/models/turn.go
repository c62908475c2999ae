package models

import "time"

// TurnKind discriminates transcript entries.
type TurnKind string

const (
	TurnUserPrompt      TurnKind = "user_prompt"
	TurnAssistantPlan   TurnKind = "assistant_plan"
	TurnExecutionResult TurnKind = "execution_result"
)

// ConversationTurn is one immutable entry in a session transcript.
type ConversationTurn struct {
	Kind TurnKind
	Text string

	// Set on assistant_plan and execution_result turns.
	PlanID string

	// Set on execution_result turns.
	TaskID         string
	TaskKind       TaskKind
	OK             bool
	AbortedTaskIDs []string // tasks cancelled because this one failed

	CreatedAt time.Time
}
