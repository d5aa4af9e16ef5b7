// Package anthropic adapts the Anthropic Messages API to the llm.Client
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/llm"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 4096
)

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	Timeout time.Duration
}

// MessagesService is the slice of the SDK the adapter uses, satisfied by
// sdk.Client.Messages and mockable in tests.
type MessagesService interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type Client struct {
	messages MessagesService
	model    string
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, faults.New(faults.Configuration, "anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	api := sdk.NewClient(opts...)
	return NewWithService(&api.Messages, cfg.Model, logger), nil
}

// NewWithService builds a client around an existing Messages service.
func NewWithService(messages MessagesService, model string, logger *zap.Logger) *Client {
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{messages: messages, model: model, logger: logger}
}

func (c *Client) Provider() string { return "anthropic" }

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return llm.Response{}, err
	}
	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classify(err)
	}
	return decodeResponse(msg), nil
}

func (c *Client) encodeRequest(req llm.Request) (sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
			}
		case llm.RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			// Tool observations travel as tool_result blocks in a user turn.
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return sdk.MessageNewParams{}, faults.Errorf(faults.InvalidInput, "unsupported message role %q", m.Role)
		}
	}
	if len(params.Messages) == 0 {
		return sdk.MessageNewParams{}, faults.New(faults.InvalidInput, "at least one user or assistant message is required")
	}

	for _, spec := range req.Tools {
		schema, err := encodeSchema(spec.Parameters)
		if err != nil {
			return sdk.MessageNewParams{}, faults.Wrap(faults.InvalidInput, "encoding schema for tool "+spec.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func encodeSchema(parameters map[string]any) (sdk.ToolInputSchemaParam, error) {
	if len(parameters) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	// Round-trip through JSON so nested values are plain maps the SDK can
	// serialize as extra schema fields.
	data, err := json.Marshal(parameters)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func decodeResponse(msg *sdk.Message) llm.Response {
	out := llm.Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	out.Usage = llm.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return out
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, "anthropic request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return faults.Wrap(faults.Auth, "anthropic rejected credentials", err)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return faults.Wrap(faults.RateLimited, "anthropic rate limit", err)
		case apiErr.StatusCode == http.StatusNotFound:
			return faults.Wrap(faults.NotFound, "anthropic resource not found", err)
		case apiErr.StatusCode >= 500:
			return faults.Wrap(faults.Service, "anthropic server error", err)
		case apiErr.StatusCode >= 400:
			return faults.Wrap(faults.InvalidInput, "anthropic rejected request", err)
		}
	}
	return faults.Wrap(faults.Service, "anthropic request failed", err)
}
