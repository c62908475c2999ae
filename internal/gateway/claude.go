package gateway

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/Skithrills/gemini-mcp-server/internal/models"
)

const defaultClaudeModel = "claude-sonnet-4-5"

// ClaudeConfig configures the Claude planner. With UseBedrock the request
// is signed with the ambient AWS credentials instead of an API key.
type ClaudeConfig struct {
	APIKey     string
	Model      string
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
}

// Claude plans through the Anthropic Messages API.
type Claude struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClaude creates a Claude planner.
func NewClaude(cfg ClaudeConfig) *Claude {
	var opts []option.RequestOption
	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	client := anthropic.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = defaultClaudeModel
	}
	return &Claude{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// RequestPlan sends the transcript to Claude and parses the reply into a
// plan.
func (c *Claude) RequestPlan(ctx context.Context, transcript []models.ConversationTurn) (*PlanResponse, error) {
	msgs := make([]anthropic.MessageParam, 0, len(transcript))
	for _, turn := range flattenTranscript(transcript) {
		block := anthropic.NewTextBlock(turn.text)
		if turn.role == roleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: planSystemPrompt},
		},
		Messages: msgs,
	})
	if err != nil {
		return nil, classifyAnthropicErr(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, &Error{Kind: Malformed, Msg: "no text content in API response"}
	}
	return ParsePlan(text)
}

func classifyAnthropicErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &Error{
			Kind:   kindForStatus(apierr.StatusCode),
			Status: apierr.StatusCode,
			Msg:    "anthropic API call",
			Err:    err,
		}
	}
	return &Error{Kind: Transport, Msg: "anthropic API call", Err: err}
}
