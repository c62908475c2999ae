package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParsePlan turns raw planner text into a PlanResponse. The primary
// contract is the JSON object from the system prompt; models that ignore it
// and answer with a fenced Luau block get that block wrapped as a single
// run_code task. Anything else is Malformed.
func ParsePlan(text string) (*PlanResponse, error) {
	candidate := stripFences(strings.TrimSpace(text))

	var resp PlanResponse
	if err := json.Unmarshal([]byte(candidate), &resp); err == nil {
		if err := validatePlan(&resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}

	if code, rest, ok := extractLuau(text); ok {
		return &PlanResponse{
			Message: rest,
			Tasks:   []PlannedTask{{Kind: "run_code", Payload: code}},
		}, nil
	}

	return nil, &Error{Kind: Malformed, Msg: "response is neither a JSON plan nor a Luau block"}
}

func validatePlan(resp *PlanResponse) error {
	if resp.Message == "" && len(resp.Tasks) == 0 {
		return &Error{Kind: Malformed, Msg: "empty plan"}
	}
	for i, task := range resp.Tasks {
		if !task.Kind.Valid() {
			return &Error{Kind: Malformed, Msg: fmt.Sprintf("task %d has unknown kind %q", i, task.Kind)}
		}
		if strings.TrimSpace(task.Payload) == "" {
			return &Error{Kind: Malformed, Msg: fmt.Sprintf("task %d (%s) has an empty payload", i, task.Kind)}
		}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// extractLuau pulls the first ```luau (or ```lua) fenced block out of the
// text, returning the code and the surrounding prose.
func extractLuau(text string) (code, rest string, ok bool) {
	marker := "```luau"
	start := strings.Index(text, marker)
	if start < 0 {
		marker = "```lua"
		start = strings.Index(text, marker)
	}
	if start < 0 {
		return "", "", false
	}
	bodyStart := start + len(marker)
	end := strings.Index(text[bodyStart:], "```")
	if end < 0 {
		return "", "", false
	}
	code = strings.TrimSpace(text[bodyStart : bodyStart+end])
	if code == "" {
		return "", "", false
	}
	rest = strings.TrimSpace(text[:start] + text[bodyStart+end+3:])
	return code, rest, true
}
