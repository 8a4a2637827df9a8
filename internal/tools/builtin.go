// Package tools provides the built-in utility tools registered at startup.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conductorai/conductor/internal/agent"
)

// RegisterBuiltins registers the built-in tools on the registry.
func RegisterBuiltins(registry *agent.Registry) error {
	for _, tool := range []agent.Tool{Clock(), Echo()} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Clock returns the current-time tool.
func Clock() agent.Tool {
	return &agent.ToolFunc{
		ToolName:        "clock",
		ToolDescription: "Returns the current date and time, optionally in a named IANA timezone.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {
					"type": "string",
					"description": "IANA timezone name, e.g. America/New_York. Defaults to UTC."
				}
			}
		}`),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Timezone string `json:"timezone"`
			}
			if len(input) > 0 {
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("invalid input: %w", err)
				}
			}
			loc := time.UTC
			if args.Timezone != "" {
				l, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", args.Timezone)
				}
				loc = l
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

// Echo returns a tool that repeats its input, useful for wiring checks.
func Echo() agent.Tool {
	return &agent.ToolFunc{
		ToolName:        "echo",
		ToolDescription: "Repeats the given text back, optionally uppercased.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"uppercase": {"type": "boolean"}
			},
			"required": ["text"]
		}`),
		Fn: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Text      string `json:"text"`
				Uppercase bool   `json:"uppercase"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if args.Uppercase {
				return strings.ToUpper(args.Text), nil
			}
			return args.Text, nil
		},
	}
}
