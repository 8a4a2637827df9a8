package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/conductorai/conductor/internal/agent"
	"github.com/conductorai/conductor/pkg/models"
)

func TestRegisterBuiltins(t *testing.T) {
	registry := agent.NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	for _, name := range []string{"clock", "echo"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestClock(t *testing.T) {
	out, err := Clock().Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, out); err != nil {
		t.Errorf("output %q is not RFC3339: %v", out, err)
	}

	if _, err := Clock().Execute(context.Background(), json.RawMessage(`{"timezone":"Not/AZone"}`)); err == nil {
		t.Error("expected an error for an unknown timezone")
	}
}

func TestEchoThroughRegistry(t *testing.T) {
	registry := agent.NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	out, err := registry.Execute(context.Background(), models.ToolCall{
		ID:    "c1",
		Name:  "echo",
		Input: json.RawMessage(`{"text":"hi","uppercase":true}`),
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "HI" {
		t.Errorf("got %q, want HI", out)
	}

	// Schema enforcement: "text" is required.
	if _, err := registry.Execute(context.Background(), models.ToolCall{
		ID:    "c2",
		Name:  "echo",
		Input: json.RawMessage(`{"uppercase":true}`),
	}); err == nil {
		t.Error("expected schema validation to reject missing text")
	}
}
