package transform

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/signature"
)

// TranslateResponse maps a buffered dialect-B response back to dialect A.
// Thought signatures encountered on the way are captured into the store so
// later turns can keep thinking mode.
func (t *Transformer) TranslateResponse(gr model.GeminiResponse, resolvedModel, fingerprint string) model.ClaudeResponse {
	resp := model.ClaudeResponse{
		ID:    "msg_" + uuid.NewString(),
		Type:  "message",
		Role:  "assistant",
		Model: resolvedModel,
	}

	var hasToolUse bool
	finish := ""
	if len(gr.Candidates) > 0 {
		cand := gr.Candidates[0]
		finish = cand.FinishReason
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				hasToolUse = true
				resp.Content = append(resp.Content, toolUseBlock(part.FunctionCall))
			case part.Thought:
				t.captureSignature(fingerprint, part.ThoughtSignature)
				resp.Content = append(resp.Content, model.ClaudeContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: part.ThoughtSignature,
				})
			case part.Text != "":
				resp.Content = append(resp.Content, model.ClaudeContentBlock{
					Type: "text",
					Text: part.Text,
				})
			}
		}
	}

	resp.StopReason = stopReason(finish, hasToolUse)
	if gr.UsageMetadata != nil {
		resp.Usage = model.ClaudeUsage{
			InputTokens:  gr.UsageMetadata.PromptTokenCount,
			OutputTokens: gr.UsageMetadata.CandidatesTokenCount + gr.UsageMetadata.ThoughtsTokenCount,
		}
	}
	return resp
}

func (t *Transformer) captureSignature(fingerprint, sig string) {
	if !signature.IsValid(sig) {
		return
	}
	t.signatures.Store(sig)
	if fingerprint != "" {
		t.signatures.Put(fingerprint, sig)
	}
}

func toolUseBlock(fc *model.FunctionCall) model.ClaudeContentBlock {
	id := fc.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}
	input, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		input = []byte("{}")
	}
	return model.ClaudeContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  fc.Name,
		Input: input,
	}
}

// stopReason maps the upstream finish reason to dialect A. A tool call wins
// over whatever the upstream reported.
func stopReason(finish string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch finish {
	case "MAX_TOKENS":
		return "max_tokens"
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "end_turn"
	default:
		return "end_turn"
	}
}
