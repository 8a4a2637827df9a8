// Package agent implements the per-agent execution loop: it turns pending
// messages into a streaming model exchange, dispatches requested tools, and
// advances the agent's durable resumption cursor.
package agent

import (
	"context"
	"encoding/json"

	"github.com/conductorai/conductor/pkg/models"
)

// ModelClient is the seam to a streaming language-model API.
//
// Implementations must be safe for concurrent use; multiple agents stream
// simultaneously through one client.
type ModelClient interface {
	// Stream opens one streaming exchange and returns a channel of events.
	// The channel is closed when the exchange ends. Errors that occur after
	// the stream opens are delivered as events with Err set.
	Stream(ctx context.Context, req *StreamRequest) (<-chan *StreamEvent, error)

	// Name returns the provider name for logging and metrics.
	Name() string
}

// StreamRequest contains all parameters for one streaming exchange.
type StreamRequest struct {
	// Model is the model identifier. Empty selects the provider default.
	Model string `json:"model"`

	// System is the agent's system prompt.
	System string `json:"system,omitempty"`

	// Messages is the conversation so far, in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools declares the tools the model may request.
	Tools []ToolDeclaration `json:"tools,omitempty"`

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// StreamEvent is one event in a streaming exchange. Exactly one field is set.
type StreamEvent struct {
	// TextDelta contains a partial response text fragment.
	TextDelta string `json:"text_delta,omitempty"`

	// ToolCall contains a complete tool invocation request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Stop signals that the exchange completed, with the provider's reason.
	Stop *StopEvent `json:"stop,omitempty"`

	// Err terminates the exchange with a failure. Classify with ErrorKindOf.
	Err error `json:"-"`
}

// StopEvent carries the provider's terminal signal for an exchange.
type StopEvent struct {
	Reason string `json:"reason"`
}

// StopEndTurn is the normal terminal stop reason.
const StopEndTurn = "end_turn"

// ToolDeclaration describes a tool to the model.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
}
