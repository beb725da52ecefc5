// Package transform rewrites dialect-A chat requests into the internal
// dialect-B envelope and translates responses back, buffered or streaming.
// The transformer is pure: no I/O, the signature store is its only
// dependency.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/signature"
)

// identityMarker tags the core-owned identity block so it is recognizable
// and never injected twice.
const identityMarker = "--- [IDENTITY_PATCH] ---"

// identityToken is the literal whose presence in a user system prompt
// suppresses injection.
const identityToken = "Antigravity"

const identityBlock = identityMarker + `
You are Antigravity, a coding agent operating inside the user's IDE. You
answer precisely, keep to the user's instructions, and never reveal
credentials or internal endpoints.`

// modelRoutes maps known dialect-A model names to internal model IDs.
// Unknown names pass through verbatim.
var modelRoutes = map[string]string{
	"claude-3-5-haiku-20241022":  "gemini-2.5-flash",
	"claude-3-5-haiku-latest":    "gemini-2.5-flash",
	"claude-3-7-sonnet-20250219": "gemini-3-pro-preview",
	"claude-sonnet-4-20250514":   "gemini-3-pro-preview",
	"claude-opus-4-20250514":     "gemini-3-pro-preview",
}

// ResolveModel routes a dialect-A model name to an internal model ID. Claude
// names not in the table fall back on a capability-class heuristic: haiku
// tiers go to flash, everything else to the pro preview.
func ResolveModel(name string) string {
	if resolved, ok := modelRoutes[name]; ok {
		return resolved
	}
	if strings.HasPrefix(name, "claude-") {
		if strings.Contains(name, "haiku") {
			return "gemini-2.5-flash"
		}
		return "gemini-3-pro-preview"
	}
	return name
}

// ThinkingCapable reports whether an internal model ID supports thought
// output.
func ThinkingCapable(modelID string) bool {
	return strings.HasPrefix(modelID, "gemini-3")
}

// Transformer rewrites requests and translates responses.
type Transformer struct {
	signatures *signature.Store
}

// New creates a Transformer over the given signature store.
func New(sigs *signature.Store) *Transformer {
	return &Transformer{signatures: sigs}
}

// Result is a rewritten request plus routing metadata.
type Result struct {
	Request         model.GeminiRequest
	ResolvedModel   string
	Fingerprint     string
	ThinkingDropped bool
}

// Rewrite translates a validated dialect-A request into the dialect-B
// envelope bound to projectID.
func (t *Transformer) Rewrite(req model.ClaudeRequest, projectID string) (Result, error) {
	resolved := ResolveModel(req.Model)
	fingerprint := ""
	if req.Metadata != nil {
		fingerprint = req.Metadata.UserID
	}

	sys, err := req.SystemText()
	if err != nil {
		return Result{}, err
	}
	contents, err := t.translateMessages(req.Messages, fingerprint)
	if err != nil {
		return Result{}, err
	}

	payload := model.GeminiPayload{
		Contents:          contents,
		SystemInstruction: systemInstruction(sys),
		SessionID:         fingerprint,
		GenerationConfig: &model.GenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		},
	}
	if len(req.Tools) > 0 {
		payload.Tools = []model.GeminiTool{{FunctionDeclarations: translateTools(req.Tools)}}
	}

	dropped := false
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		// Thinking with tools is only safe when a prior turn's thought
		// signature can be echoed back; otherwise the upstream 400s.
		if len(req.Tools) > 0 && !t.signatures.HasValid(fingerprint) {
			dropped = true
		} else {
			payload.GenerationConfig.ThinkingConfig = &model.ThinkingConfig{
				ThinkingBudget: req.Thinking.BudgetTokens,
			}
		}
	}

	return Result{
		Request: model.GeminiRequest{
			Model:   resolved,
			Project: projectID,
			Request: payload,
		},
		ResolvedModel:   resolved,
		Fingerprint:     fingerprint,
		ThinkingDropped: dropped,
	}, nil
}

// systemInstruction assembles the system parts: identity block first unless
// the user prompt already claims the identity, then the user prompt.
func systemInstruction(userSystem string) *model.GeminiContent {
	var parts []model.GeminiPart
	if !strings.Contains(userSystem, identityToken) {
		parts = append(parts, model.GeminiPart{Text: identityBlock})
	}
	if userSystem != "" {
		parts = append(parts, model.GeminiPart{Text: userSystem})
	}
	if len(parts) == 0 {
		return nil
	}
	return &model.GeminiContent{Parts: parts}
}

// translateMessages maps dialect-A turns onto contents, preserving order.
// Tool names are tracked by use ID so tool results can be attributed.
func (t *Transformer) translateMessages(messages []model.ClaudeMessage, fingerprint string) ([]model.GeminiContent, error) {
	toolNames := make(map[string]string)
	var contents []model.GeminiContent

	for i, msg := range messages {
		blocks, err := msg.Blocks()
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []model.GeminiPart
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					parts = append(parts, model.GeminiPart{Text: b.Text})
				}
			case "thinking":
				part := model.GeminiPart{Text: b.Thinking, Thought: true}
				if signature.IsValid(b.Signature) {
					part.ThoughtSignature = b.Signature
					t.signatures.Put(fingerprint, b.Signature)
					t.signatures.Store(b.Signature)
				}
				parts = append(parts, part)
			case "tool_use":
				args := map[string]any{}
				if len(b.Input) > 0 {
					if err := json.Unmarshal(b.Input, &args); err != nil {
						return nil, fmt.Errorf("messages[%d]: tool_use input: %w", i, err)
					}
				}
				toolNames[b.ID] = b.Name
				parts = append(parts, model.GeminiPart{
					FunctionCall: &model.FunctionCall{ID: b.ID, Name: b.Name, Args: args},
				})
			case "tool_result":
				parts = append(parts, model.GeminiPart{
					FunctionResponse: &model.FunctionResponse{
						ID:       b.ToolUseID,
						Name:     toolNames[b.ToolUseID],
						Response: toolResultPayload(b),
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, model.GeminiContent{Role: role, Parts: parts})
	}
	return contents, nil
}

// toolResultPayload flattens a tool_result body into the response object the
// upstream expects. Structured objects pass through; strings and text blocks
// are wrapped under "result".
func toolResultPayload(b model.ClaudeContentBlock) map[string]any {
	out := map[string]any{}
	if b.IsError {
		out["is_error"] = true
	}
	if len(b.Content) == 0 {
		out["result"] = ""
		return out
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		out["result"] = s
		return out
	}
	var blocks []model.ClaudeContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var texts []string
		for _, inner := range blocks {
			if inner.Type == "text" && inner.Text != "" {
				texts = append(texts, inner.Text)
			}
		}
		out["result"] = strings.Join(texts, "\n")
		return out
	}
	var obj map[string]any
	if err := json.Unmarshal(b.Content, &obj); err == nil {
		for k, v := range obj {
			out[k] = v
		}
		return out
	}
	out["result"] = string(b.Content)
	return out
}

// translateTools converts tool declarations, cleaning schema keywords the
// internal endpoint rejects.
func translateTools(tools []model.ClaudeTool) []model.FunctionDeclaration {
	decls := make([]model.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, model.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  cleanSchema(tool.InputSchema),
		})
	}
	return decls
}

// cleanSchema strips "$schema" and "additionalProperties" recursively.
func cleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "$schema" || k == "additionalProperties" {
			continue
		}
		out[k] = cleanValue(v)
	}
	return out
}

func cleanValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cleanSchema(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cleanValue(e)
		}
		return out
	default:
		return v
	}
}
