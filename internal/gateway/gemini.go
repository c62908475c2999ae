package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.5-pro"
)

// GeminiConfig configures the Gemini planner.
type GeminiConfig struct {
	APIKey  string
	Model   string        // defaults to gemini-2.5-pro
	BaseURL string        // overridable for tests
	Timeout time.Duration // per-request timeout, defaults to 60s
}

// Gemini calls the generateContent REST endpoint directly.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewGemini creates a Gemini planner.
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
	Cursor            string          `json:"cursor,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		Cursor string `json:"cursor"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// RequestPlan sends the transcript to Gemini and parses the reply into a
// plan. When a candidate carries a continuation cursor the call loops,
// accumulating text until the reply is complete.
func (g *Gemini) RequestPlan(ctx context.Context, transcript []models.ConversationTurn) (*PlanResponse, error) {
	contents := make([]geminiContent, 0, len(transcript))
	for _, turn := range flattenTranscript(transcript) {
		role := turn.role
		if role == roleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: turn.text}}})
	}

	var full strings.Builder
	cursor := ""
	for {
		text, next, err := g.generate(ctx, contents, cursor)
		if err != nil {
			return nil, err
		}
		full.WriteString(text)
		if next == "" {
			break
		}
		cursor = next
	}

	if full.Len() == 0 {
		return nil, &Error{Kind: Malformed, Msg: "empty response from gemini"}
	}
	return ParsePlan(full.String())
}

func (g *Gemini) generate(ctx context.Context, contents []geminiContent, cursor string) (text, nextCursor string, err error) {
	reqBody := geminiRequest{
		Contents:          contents,
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: planSystemPrompt}}},
		GenerationConfig: geminiGenConfig{
			Temperature:     0.7,
			TopK:            1,
			TopP:            1,
			MaxOutputTokens: 2048,
		},
		Cursor: cursor,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", &Error{Kind: Malformed, Msg: "encode request", Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", "", &Error{Kind: Transport, Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", "", &Error{Kind: Transport, Msg: "gemini request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", &Error{Kind: Transport, Msg: "read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", &Error{
			Kind:   kindForStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Msg:    fmt.Sprintf("gemini returned %d: %s", resp.StatusCode, snippet(body)),
		}
	}

	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", "", &Error{Kind: Malformed, Msg: "decode response", Err: err}
	}
	if gr.Error != nil {
		return "", "", &Error{
			Kind:   kindForStatus(gr.Error.Code),
			Status: gr.Error.Code,
			Msg:    gr.Error.Message,
		}
	}
	if len(gr.Candidates) == 0 {
		return "", "", &Error{Kind: Malformed, Msg: "no candidates in response"}
	}

	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), gr.Candidates[0].Cursor, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
