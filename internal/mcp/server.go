// Package mcp exposes the engine as MCP tools over stdio, so MCP hosts
// can drive the same sessions the Studio plugin executes.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
	"github.com/Skithrills/gemini-mcp-server/internal/orchestrator"
	"github.com/Skithrills/gemini-mcp-server/internal/session"
)

// Server wraps the engine and exposes it as MCP tools.
type Server struct {
	engine  *orchestrator.Engine
	version string
}

// NewServer creates the MCP server wrapper around a running engine.
func NewServer(engine *orchestrator.Engine, version string) *Server {
	return &Server{engine: engine, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("gemini-mcp-server", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.submitPromptTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.closeSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// submit_prompt
func (s *Server) submitPromptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("submit_prompt",
		mcp.WithDescription("Send a prompt to the planner. Returns the session id immediately; the plan executes asynchronously in Roblox Studio. Use get_session to watch progress."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("The prompt to plan and execute")),
		mcp.WithString("session_id", mcp.Description("Existing session to continue; omit to start a new one")),
	)
	return tool, s.handleSubmitPrompt
}

func (s *Server) handleSubmitPrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}
	sessionID := request.GetString("session_id", "")

	id, err := s.engine.Submit(sessionID, prompt)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return mcp.NewToolResultError(fmt.Sprintf("session %s is busy executing a plan; wait for it to go idle", sessionID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}

	data, err := json.Marshal(map[string]string{"session_id": id, "status": "accepted"})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_session",
		mcp.WithDescription("Get a session's status, transcript, and task states. Returns JSON with status (idle/awaiting_plan/executing_plan), the conversation turns, and each task's lifecycle state."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id returned by submit_prompt")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	sess, tasks, err := s.engine.SessionView(sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	type turnOut struct {
		Kind      string   `json:"kind"`
		Text      string   `json:"text,omitempty"`
		TaskKind  string   `json:"task_kind,omitempty"`
		OK        *bool    `json:"ok,omitempty"`
		Aborted   []string `json:"aborted_task_ids,omitempty"`
		CreatedAt string   `json:"created_at"`
	}
	type taskOut struct {
		ID       string `json:"id"`
		Seq      int    `json:"seq"`
		Kind     string `json:"kind"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
		Output   string `json:"output,omitempty"`
		Reason   string `json:"reason,omitempty"`
	}

	turns := make([]turnOut, len(sess.Turns))
	for i, turn := range sess.Turns {
		out := turnOut{
			Kind:      string(turn.Kind),
			Text:      turn.Text,
			TaskKind:  string(turn.TaskKind),
			Aborted:   turn.AbortedTaskIDs,
			CreatedAt: turn.CreatedAt.Format(time.RFC3339),
		}
		if turn.Kind == models.TurnExecutionResult {
			ok := turn.OK
			out.OK = &ok
		}
		turns[i] = out
	}

	taskViews := make([]taskOut, len(tasks))
	for i, task := range tasks {
		out := taskOut{
			ID:       task.ID,
			Seq:      task.Seq,
			Kind:     string(task.Kind),
			Status:   string(task.Status),
			Attempts: task.Attempts,
		}
		if task.Result != nil {
			out.Output = task.Result.Output
			out.Reason = task.Result.Reason
		}
		taskViews[i] = out
	}

	result := map[string]any{
		"session_id": sess.ID,
		"status":     string(sess.Status),
		"plans":      sess.PlanCount,
		"rounds":     sess.Rounds,
		"transcript": turns,
		"tasks":      taskViews,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List live sessions. Returns a JSON array with id, status, turn count, and last activity."),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.engine.ListSessions()

	type sessionOut struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		Turns          int    `json:"turns"`
		Plans          int    `json:"plans"`
		LastActivityAt string `json:"last_activity_at"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:             sess.ID,
			Status:         string(sess.Status),
			Turns:          len(sess.Turns),
			Plans:          sess.PlanCount,
			LastActivityAt: sess.LastActivityAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// close_session
func (s *Server) closeSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("close_session",
		mcp.WithDescription("Close a session, abandoning any outstanding tasks. The transcript is archived."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id to close")),
	)
	return tool, s.handleCloseSession
}

func (s *Server) handleCloseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	if err := s.engine.CloseSession(sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("close failed: %v", err)), nil
	}

	data, err := json.Marshal(map[string]string{"session_id": sessionID, "status": "closed"})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
