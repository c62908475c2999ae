// Package client wraps HTTP calls to a running serve instance for the CLI
// verbs and the loopback executor.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/api"
)

// DefaultTimeout bounds every API request.
const DefaultTimeout = 10 * time.Second

// ErrBusy is returned when the server rejects a prompt because the session
// is still working through a plan.
var ErrBusy = errors.New("session is busy")

// Client talks to the engine's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given base URL, e.g. http://127.0.0.1:44755.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// SubmitPrompt sends a prompt and returns the session it landed in.
func (c *Client) SubmitPrompt(sessionID, prompt string) (*api.PromptResponse, error) {
	body, status, err := c.do("POST", "/api/v1/prompt", api.PromptRequest{
		SessionID: sessionID,
		Prompt:    prompt,
	})
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, fmt.Errorf("%w: %s", ErrBusy, errorMessage(body))
	}
	if status >= 400 {
		return nil, fmt.Errorf("API error: %s", errorMessage(body))
	}

	var resp api.PromptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Poll asks for the next task. A nil grant means nothing is deliverable
// right now.
func (c *Client) Poll(holderID string) (*api.TaskGrant, error) {
	body, status, err := c.do("POST", "/api/v1/poll", api.PollRequest{HolderID: holderID})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if status >= 400 {
		return nil, fmt.Errorf("API error: %s", errorMessage(body))
	}

	var grant api.TaskGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// Report sends a task result. It returns false when the server rejected
// the report (lapsed lease, unknown task); the result is discarded and the
// executor moves on.
func (c *Client) Report(req api.ReportRequest) (bool, error) {
	body, status, err := c.do("POST", "/api/v1/report", req)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusOK:
		return true, nil
	case status == http.StatusConflict || status == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("API error: %s", errorMessage(body))
	}
}

// ListSessions fetches the live session summaries.
func (c *Client) ListSessions() ([]api.SessionSummary, error) {
	body, status, err := c.do("GET", "/api/v1/sessions", nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("API error: %s", errorMessage(body))
	}

	var sessions []api.SessionSummary
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession fetches one session with its transcript and task states.
func (c *Client) GetSession(id string) (*api.SessionDetail, error) {
	body, status, err := c.do("GET", "/api/v1/sessions/"+id, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if status >= 400 {
		return nil, fmt.Errorf("API error: %s", errorMessage(body))
	}

	var detail api.SessionDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CloseSession closes a session and abandons its outstanding tasks.
func (c *Client) CloseSession(id string) error {
	body, status, err := c.do("DELETE", "/api/v1/sessions/"+id, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("session not found: %s", id)
	}
	if status >= 400 {
		return fmt.Errorf("API error: %s", errorMessage(body))
	}
	return nil
}

// Status fetches the engine census.
func (c *Client) Status() (*api.StatusResponse, error) {
	body, status, err := c.do("GET", "/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("API error: %s", errorMessage(body))
	}

	var resp api.StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server and returns its version.
func (c *Client) Health() (string, error) {
	body, status, err := c.do("GET", "/api/v1/health", nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("API error: %s", errorMessage(body))
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return "", err
	}
	if health.Status != "ok" {
		return "", fmt.Errorf("server reported status %q", health.Status)
	}
	return health.Version, nil
}

func (c *Client) do(method, path string, payload any) ([]byte, int, error) {
	var rdr io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// errorMessage pulls the message out of the API error envelope, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(body))
}
