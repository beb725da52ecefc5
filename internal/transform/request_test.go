package transform

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/signature"
)

func newTransformer() *Transformer {
	return New(signature.New(0))
}

func baseRequest() model.ClaudeRequest {
	return model.ClaudeRequest{
		Model:     "gemini-3-pro-preview",
		MaxTokens: 1024,
		Messages: []model.ClaudeMessage{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "gemini-2.5-flash", ResolveModel("claude-3-5-haiku-20241022"))
	assert.Equal(t, "gemini-3-pro-preview", ResolveModel("claude-3-7-sonnet-20250219"))
	assert.Equal(t, "gemini-3-pro-preview", ResolveModel("claude-opus-4-20250514"))
	// Unlisted claude names route by capability class.
	assert.Equal(t, "gemini-2.5-flash", ResolveModel("claude-9-haiku-future"))
	assert.Equal(t, "gemini-3-pro-preview", ResolveModel("claude-9-sonnet-future"))
	// Everything else passes through.
	assert.Equal(t, "gemini-3-pro-preview", ResolveModel("gemini-3-pro-preview"))
	assert.Equal(t, "some-custom-model", ResolveModel("some-custom-model"))
}

func TestPureThinkingPassesThrough(t *testing.T) {
	req := baseRequest()
	req.Thinking = &model.ClaudeThinking{Type: "enabled", BudgetTokens: 1000}

	res, err := newTransformer().Rewrite(req, "project-1")
	require.NoError(t, err)

	cfg := res.Request.Request.GenerationConfig
	require.NotNil(t, cfg.ThinkingConfig)
	assert.Equal(t, 1000, cfg.ThinkingConfig.ThinkingBudget)
	assert.False(t, res.ThinkingDropped)
}

func TestThinkingWithToolsAndEmptyStoreIsDropped(t *testing.T) {
	req := baseRequest()
	req.Thinking = &model.ClaudeThinking{Type: "enabled", BudgetTokens: 1000}
	req.Tools = []model.ClaudeTool{{Name: "get_weather"}}

	res, err := newTransformer().Rewrite(req, "project-1")
	require.NoError(t, err)

	assert.Nil(t, res.Request.Request.GenerationConfig.ThinkingConfig)
	assert.True(t, res.ThinkingDropped)
}

func TestThinkingWithToolsAndStoredSignatureIsKept(t *testing.T) {
	tr := newTransformer()
	tr.signatures.Store("valid_signature_string_longer_than_10_chars")

	req := baseRequest()
	req.Thinking = &model.ClaudeThinking{Type: "enabled", BudgetTokens: 1000}
	req.Tools = []model.ClaudeTool{{Name: "get_weather"}}

	res, err := tr.Rewrite(req, "project-1")
	require.NoError(t, err)

	require.NotNil(t, res.Request.Request.GenerationConfig.ThinkingConfig)
	assert.Equal(t, 1000, res.Request.Request.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestIdentityInjectedWithoutSystem(t *testing.T) {
	res, err := newTransformer().Rewrite(baseRequest(), "project-1")
	require.NoError(t, err)

	sys := res.Request.Request.SystemInstruction
	require.NotNil(t, sys)
	require.NotEmpty(t, sys.Parts)
	assert.Contains(t, sys.Parts[0].Text, "You are Antigravity")
	assert.Contains(t, sys.Parts[0].Text, "[IDENTITY_PATCH]")
}

func TestNoDoubleInjection(t *testing.T) {
	req := baseRequest()
	req.System = json.RawMessage(`"You are Antigravity, the best AI."`)

	res, err := newTransformer().Rewrite(req, "project-1")
	require.NoError(t, err)

	sys := res.Request.Request.SystemInstruction
	require.NotNil(t, sys)
	for _, p := range sys.Parts {
		assert.NotContains(t, p.Text, "[IDENTITY_PATCH]")
	}
	require.Len(t, sys.Parts, 1)
	assert.Equal(t, "You are Antigravity, the best AI.", sys.Parts[0].Text)
}

func TestUserSystemAppendedAfterIdentity(t *testing.T) {
	req := baseRequest()
	req.System = json.RawMessage(`"Prefer terse answers."`)

	res, err := newTransformer().Rewrite(req, "project-1")
	require.NoError(t, err)

	sys := res.Request.Request.SystemInstruction
	require.Len(t, sys.Parts, 2)
	assert.Contains(t, sys.Parts[0].Text, "[IDENTITY_PATCH]")
	assert.Equal(t, "Prefer terse answers.", sys.Parts[1].Text)

	marked := 0
	for _, p := range sys.Parts {
		if strings.Contains(p.Text, "[IDENTITY_PATCH]") {
			marked++
		}
	}
	assert.Equal(t, 1, marked)
}

func TestMessageTranslationPreservesOrder(t *testing.T) {
	req := baseRequest()
	req.Messages = []model.ClaudeMessage{
		{Role: "user", Content: json.RawMessage(`"what's the weather in Tokyo?"`)},
		{Role: "assistant", Content: json.RawMessage(`[
			{"type": "thinking", "thinking": "need the weather tool", "signature": "sig_longer_than_ten_chars"},
			{"type": "tool_use", "id": "toolu_01", "name": "get_weather", "input": {"city": "Tokyo"}}
		]`)},
		{Role: "user", Content: json.RawMessage(`[
			{"type": "tool_result", "tool_use_id": "toolu_01", "content": "22C and sunny"}
		]`)},
	}

	tr := newTransformer()
	res, err := tr.Rewrite(req, "project-1")
	require.NoError(t, err)

	contents := res.Request.Request.Contents
	require.Len(t, contents, 3)

	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "what's the weather in Tokyo?", contents[0].Parts[0].Text)

	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	assert.True(t, contents[1].Parts[0].Thought)
	assert.Equal(t, "sig_longer_than_ten_chars", contents[1].Parts[0].ThoughtSignature)
	fc := contents[1].Parts[1].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "get_weather", fc.Name)
	assert.Equal(t, "Tokyo", fc.Args["city"])

	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "toolu_01", fr.ID)
	assert.Equal(t, "get_weather", fr.Name)
	assert.Equal(t, "22C and sunny", fr.Response["result"])

	// The inbound signature was captured for later turns.
	assert.True(t, tr.signatures.Has("sig_longer_than_ten_chars"))
}

func TestToolSchemaCleaning(t *testing.T) {
	req := baseRequest()
	req.Tools = []model.ClaudeTool{{
		Name:        "get_weather",
		Description: "Look up current weather",
		InputSchema: map[string]any{
			"$schema":              "http://json-schema.org/draft-07/schema#",
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"city": map[string]any{
					"type":                 "string",
					"additionalProperties": false,
				},
			},
		},
	}}

	res, err := newTransformer().Rewrite(req, "project-1")
	require.NoError(t, err)

	require.Len(t, res.Request.Request.Tools, 1)
	decls := res.Request.Request.Tools[0].FunctionDeclarations
	require.Len(t, decls, 1)
	params := decls[0].Parameters
	assert.NotContains(t, params, "$schema")
	assert.NotContains(t, params, "additionalProperties")
	city := params["properties"].(map[string]any)["city"].(map[string]any)
	assert.NotContains(t, city, "additionalProperties")
	assert.Equal(t, "string", city["type"])
}

func TestProjectAndSessionBinding(t *testing.T) {
	req := baseRequest()
	req.Metadata = &model.ClaudeMetadata{UserID: "session-42"}

	res, err := newTransformer().Rewrite(req, "project-9")
	require.NoError(t, err)

	assert.Equal(t, "project-9", res.Request.Project)
	assert.Equal(t, "gemini-3-pro-preview", res.Request.Model)
	assert.Equal(t, "session-42", res.Request.Request.SessionID)
	assert.Equal(t, "session-42", res.Fingerprint)
	assert.Equal(t, 1024, res.Request.Request.GenerationConfig.MaxOutputTokens)
}
