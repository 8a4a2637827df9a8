package models

// Agent is a configured conversational unit: a model, a system prompt, and
// the set of tools the model may call. Agents are created from configuration
// and identified by a stable ID.
type Agent struct {
	ID           string   `json:"id"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// Cursor marks the last message sequence fully incorporated into a committed
// exchange, together with the provider session token for that exchange. The
// pair is committed atomically; a run that fails leaves it untouched.
type Cursor struct {
	AgentID   string `json:"agent_id"`
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id,omitempty"`
}
