package model

import (
	"encoding/json"
	"fmt"
)

// ClaudeRequest is the dialect-A chat request accepted on POST /v1/messages.
// System and per-message Content keep their raw JSON because the dialect
// allows both a bare string and an array of typed blocks.
type ClaudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []ClaudeMessage `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Tools       []ClaudeTool    `json:"tools,omitempty"`
	Thinking    *ClaudeThinking `json:"thinking,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Metadata    *ClaudeMetadata `json:"metadata,omitempty"`
}

// ClaudeMetadata carries the opaque caller identity; UserID doubles as the
// conversation/session fingerprint for the signature store.
type ClaudeMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ClaudeThinking enables extended thinking with a token budget.
type ClaudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ClaudeTool is a dialect-A tool declaration.
type ClaudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ClaudeMessage is one conversation turn.
type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ClaudeContentBlock is one element of an array-form message content.
type ClaudeContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "thinking"
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Blocks normalizes message content to block form: a bare string becomes a
// single text block.
func (m ClaudeMessage) Blocks() ([]ClaudeContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ClaudeContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("model: message content is neither string nor block array: %w", err)
	}
	return blocks, nil
}

// SystemText flattens the system prompt to plain text. Array-form system
// prompts concatenate their text blocks with double newlines.
func (r ClaudeRequest) SystemText() (string, error) {
	if len(r.System) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return s, nil
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return "", fmt.Errorf("model: system is neither string nor block array: %w", err)
	}
	out := ""
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += b.Text
	}
	return out, nil
}

// Validate rejects requests the transformer cannot express upstream.
func (r ClaudeRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model: model is required")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("model: max_tokens must be positive")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("model: messages must be non-empty")
	}
	for i, m := range r.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("model: messages[%d].role %q is not user or assistant", i, m.Role)
		}
	}
	return nil
}

// ClaudeResponse is the dialect-A non-streaming response body.
type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"` // always "message"
	Role         string               `json:"role"` // always "assistant"
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason,omitempty"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

// ClaudeUsage reports token consumption in dialect-A terms.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
