// Package providers implements model client integrations for the execution
// loop. Each provider converts between the internal message format and the
// vendor API, handles streaming event processing, and classifies failures so
// the run retry policy can act on them.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/conductorai/conductor/internal/agent"
	"github.com/conductorai/conductor/pkg/models"
)

// DefaultAnthropicModel is used when a request does not name a model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the stream
// is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string
}

// AnthropicClient implements agent.ModelClient over the official SDK.
//
// The client does not retry; the execution loop owns the retry policy and
// needs each failure surfaced exactly once with its classification.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicClient creates a client from config.
func NewAnthropicClient(config AnthropicConfig) (*AnthropicClient, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultAnthropicModel
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier used in logs and metrics.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Stream opens one streaming exchange. Events are delivered on the returned
// channel, which is closed when the exchange ends. Errors after the stream
// opens arrive as events with Err set, classified as *agent.StreamError.
func (c *AnthropicClient) Stream(ctx context.Context, req *agent.StreamRequest) (<-chan *agent.StreamEvent, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan *agent.StreamEvent)
	go func() {
		defer close(events)
		stream := c.client.Messages.NewStreaming(ctx, *params)
		c.processStream(ctx, stream, events)
	}()
	return events, nil
}

func (c *AnthropicClient) buildParams(req *agent.StreamRequest) (*anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, c.wrapError(err)
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	// System prompt rides outside the message list in the Anthropic API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, c.wrapError(err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream consumes SSE events and converts them to stream events.
//
// Tool calls arrive in pieces: content_block_start carries the ID and name,
// input_json_delta events stream the argument JSON, and content_block_stop
// finalizes the call. The complete call is emitted at the stop boundary.
func (c *AnthropicClient) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- *agent.StreamEvent) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	send := func(ev *agent.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(&agent.StreamEvent{TextDelta: delta.Text}) {
						return
					}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				if !send(&agent.StreamEvent{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			eventProcessed = true

		case "message_stop":
			send(&agent.StreamEvent{Stop: &agent.StopEvent{Reason: agent.StopEndTurn}})
			return

		case "error":
			send(&agent.StreamEvent{Err: c.wrapError(errors.New("anthropic: stream error"))})
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				send(&agent.StreamEvent{Err: c.wrapError(fmt.Errorf("stream malformed: %d consecutive empty events", emptyEventCount))})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.StreamEvent{Err: c.wrapError(err)})
	}
}

// convertMessages translates the internal message format into Anthropic
// content blocks. System messages are dropped here; the system prompt is
// carried separately. Tool-role messages map to user messages holding tool
// result blocks.
func convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertTools(tools []agent.ToolDeclaration) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
			}
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapError classifies an SDK or transport error into a *agent.StreamError.
func (c *AnthropicClient) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var streamErr *agent.StreamError
	if errors.As(err, &streamErr) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &agent.StreamError{Kind: agent.KindCancelled, Provider: "anthropic", Cause: err}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		se := &agent.StreamError{
			Provider: "anthropic",
			Status:   apiErr.StatusCode,
			Kind:     kindForStatus(apiErr.StatusCode),
			Cause:    err,
		}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				se.Message = payload.Error.Message
				if payload.Error.Type == "overloaded_error" {
					se.Kind = agent.KindOverloaded
				}
			}
		}
		return se
	}

	return &agent.StreamError{
		Kind:     classifyTransport(err),
		Provider: "anthropic",
		Cause:    err,
	}
}

func kindForStatus(status int) agent.ErrorKind {
	switch {
	case status == 429:
		return agent.KindRateLimited
	case status == 401 || status == 403:
		return agent.KindAuthFailure
	case status == 400 || status == 404 || status == 422:
		return agent.KindInvalidRequest
	case status == 529 || status >= 500:
		return agent.KindOverloaded
	default:
		return agent.KindUnknown
	}
}

func classifyTransport(err error) agent.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"):
		return agent.KindNetworkFailure
	default:
		return agent.KindUnknown
	}
}
