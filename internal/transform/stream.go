package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// maxStreamLineBytes bounds a single upstream SSE line.
const maxStreamLineBytes = 1 << 20

// StreamTranslator re-frames dialect-B SSE chunks into the dialect-A event
// sequence: message_start, content_block_* per block, message_delta,
// message_stop. Not safe for concurrent use; one instance per response.
type StreamTranslator struct {
	t           *Transformer
	w           io.Writer
	flush       func()
	modelID     string
	fingerprint string

	msgID      string
	started    bool
	blockOpen  bool
	blockType  string
	blockIndex int
	toolUse    bool
	finish     string
	usage      model.ClaudeUsage
}

// NewStream creates a translator writing dialect-A SSE to w. flush may be
// nil; when set it is called after every event so chunks reach the client
// promptly.
func (t *Transformer) NewStream(w io.Writer, flush func(), resolvedModel, fingerprint string) *StreamTranslator {
	if flush == nil {
		flush = func() {}
	}
	return &StreamTranslator{
		t:           t,
		w:           w,
		flush:       flush,
		modelID:     resolvedModel,
		fingerprint: fingerprint,
		msgID:       "msg_" + uuid.NewString(),
	}
}

// Consume reads the upstream SSE stream to the end, feeding every data frame
// through the translator, then closes the dialect-A stream.
func (s *StreamTranslator) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(strings.TrimRight(scanner.Text(), "\r"), "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		chunk, err := decodeChunk([]byte(payload))
		if err != nil {
			// A malformed frame mid-stream is logged upstream of here; the
			// stream itself continues.
			continue
		}
		if err := s.Feed(chunk); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("transform: read upstream stream: %w", err)
	}
	return s.Close()
}

// decodeChunk parses one frame, unwrapping the {response: {...}} envelope
// when present.
func decodeChunk(payload []byte) (model.GeminiResponse, error) {
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Response) > 0 {
		payload = envelope.Response
	}
	var chunk model.GeminiResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return model.GeminiResponse{}, err
	}
	return chunk, nil
}

// Feed translates one dialect-B chunk into zero or more dialect-A events.
func (s *StreamTranslator) Feed(chunk model.GeminiResponse) error {
	if chunk.UsageMetadata != nil {
		s.usage = model.ClaudeUsage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount + chunk.UsageMetadata.ThoughtsTokenCount,
		}
	}
	if !s.started {
		s.started = true
		if err := s.event("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.msgID,
				"type":          "message",
				"role":          "assistant",
				"model":         s.modelID,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": s.usage.InputTokens, "output_tokens": 0},
			},
		}); err != nil {
			return err
		}
	}

	if len(chunk.Candidates) == 0 {
		return nil
	}
	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		s.finish = cand.FinishReason
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			if err := s.emitToolUse(part.FunctionCall); err != nil {
				return err
			}
		case part.Thought:
			if err := s.emitThinking(part); err != nil {
				return err
			}
		case part.Text != "":
			if err := s.emitText(part.Text); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close ends any open block and emits the trailing message events.
func (s *StreamTranslator) Close() error {
	if !s.started {
		// Nothing arrived; still emit a complete empty message.
		if err := s.Feed(model.GeminiResponse{}); err != nil {
			return err
		}
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	if err := s.event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason(s.finish, s.toolUse),
			"stop_sequence": nil,
		},
		"usage": map[string]int{"output_tokens": s.usage.OutputTokens},
	}); err != nil {
		return err
	}
	return s.event("message_stop", map[string]any{"type": "message_stop"})
}

func (s *StreamTranslator) emitText(text string) error {
	if err := s.ensureBlock("text", map[string]any{"type": "text", "text": ""}); err != nil {
		return err
	}
	return s.delta(map[string]any{"type": "text_delta", "text": text})
}

func (s *StreamTranslator) emitThinking(part model.GeminiPart) error {
	if err := s.ensureBlock("thinking", map[string]any{"type": "thinking", "thinking": ""}); err != nil {
		return err
	}
	if part.Text != "" {
		if err := s.delta(map[string]any{"type": "thinking_delta", "thinking": part.Text}); err != nil {
			return err
		}
	}
	if part.ThoughtSignature != "" {
		s.t.captureSignature(s.fingerprint, part.ThoughtSignature)
		if err := s.delta(map[string]any{"type": "signature_delta", "signature": part.ThoughtSignature}); err != nil {
			return err
		}
	}
	return nil
}

// emitToolUse opens a dedicated block per function call and streams the
// arguments as one input_json_delta.
func (s *StreamTranslator) emitToolUse(fc *model.FunctionCall) error {
	s.toolUse = true
	if err := s.closeBlock(); err != nil {
		return err
	}
	id := fc.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}
	if err := s.openBlock("tool_use", map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  fc.Name,
		"input": map[string]any{},
	}); err != nil {
		return err
	}
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	if err := s.delta(map[string]any{"type": "input_json_delta", "partial_json": string(args)}); err != nil {
		return err
	}
	return s.closeBlock()
}

// ensureBlock opens a block of the wanted type, closing a differently typed
// one first.
func (s *StreamTranslator) ensureBlock(blockType string, start map[string]any) error {
	if s.blockOpen && s.blockType == blockType {
		return nil
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	return s.openBlock(blockType, start)
}

func (s *StreamTranslator) openBlock(blockType string, start map[string]any) error {
	s.blockOpen = true
	s.blockType = blockType
	return s.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": start,
	})
}

func (s *StreamTranslator) closeBlock() error {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	err := s.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})
	s.blockIndex++
	return err
}

func (s *StreamTranslator) delta(d map[string]any) error {
	return s.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.blockIndex,
		"delta": d,
	})
}

func (s *StreamTranslator) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transform: marshal %s: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("transform: write %s: %w", name, err)
	}
	s.flush()
	return nil
}
