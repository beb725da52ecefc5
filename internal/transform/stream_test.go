package transform

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, raw string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current = sseEvent{Name: strings.TrimPrefix(line, "event: ")}
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.Data))
			events = append(events, current)
		}
	}
	return events
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func TestStreamTextTranslation(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"response": {"candidates": [{"content": {"role": "model", "parts": [{"text": "Hel"}]}}], "usageMetadata": {"promptTokenCount": 10}}}`,
		``,
		`data: {"response": {"candidates": [{"content": {"parts": [{"text": "lo."}]}, "finishReason": "STOP"}], "usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 4}}}`,
		``,
	}, "\n")

	var out bytes.Buffer
	s := newTransformer().NewStream(&out, nil, "gemini-3-pro-preview", "")
	require.NoError(t, s.Consume(strings.NewReader(upstream)))

	events := parseSSE(t, out.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names(events))

	start := events[0].Data["message"].(map[string]any)
	assert.Equal(t, "assistant", start["role"])
	assert.Equal(t, "gemini-3-pro-preview", start["model"])

	first := events[2].Data["delta"].(map[string]any)
	assert.Equal(t, "text_delta", first["type"])
	assert.Equal(t, "Hel", first["text"])

	final := events[5].Data
	assert.Equal(t, "end_turn", final["delta"].(map[string]any)["stop_reason"])
	assert.Equal(t, float64(4), final["usage"].(map[string]any)["output_tokens"])
}

func TestStreamThinkingThenTextOpensTwoBlocks(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"candidates": [{"content": {"parts": [{"text": "pondering", "thought": true, "thoughtSignature": "signature_longer_than_10"}]}}]}`,
		``,
		`data: {"candidates": [{"content": {"parts": [{"text": "answer"}]}, "finishReason": "STOP"}]}`,
		``,
	}, "\n")

	tr := newTransformer()
	var out bytes.Buffer
	s := tr.NewStream(&out, nil, "gemini-3-pro-preview", "session-7")
	require.NoError(t, s.Consume(strings.NewReader(upstream)))

	events := parseSSE(t, out.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta", // thinking_delta
		"content_block_delta", // signature_delta
		"content_block_stop",
		"content_block_start",
		"content_block_delta", // text_delta
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names(events))

	sig := events[3].Data["delta"].(map[string]any)
	assert.Equal(t, "signature_delta", sig["type"])
	assert.Equal(t, "signature_longer_than_10", sig["signature"])

	// Block indexes advance across block boundaries.
	assert.Equal(t, float64(0), events[1].Data["index"])
	assert.Equal(t, float64(1), events[5].Data["index"])

	// The streamed signature landed in the store.
	assert.True(t, tr.signatures.HasValid("session-7"))
}

func TestStreamToolUse(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"candidates": [{"content": {"parts": [{"functionCall": {"id": "call-1", "name": "get_weather", "args": {"city": "Tokyo"}}}]}, "finishReason": "STOP"}]}`,
		``,
	}, "\n")

	var out bytes.Buffer
	s := newTransformer().NewStream(&out, nil, "gemini-3-pro-preview", "")
	require.NoError(t, s.Consume(strings.NewReader(upstream)))

	events := parseSSE(t, out.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names(events))

	block := events[1].Data["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "call-1", block["id"])
	assert.Equal(t, "get_weather", block["name"])

	delta := events[2].Data["delta"].(map[string]any)
	assert.Equal(t, "input_json_delta", delta["type"])
	assert.JSONEq(t, `{"city":"Tokyo"}`, delta["partial_json"].(string))

	assert.Equal(t, "tool_use", events[4].Data["delta"].(map[string]any)["stop_reason"])
}

func TestStreamIgnoresMalformedAndDoneFrames(t *testing.T) {
	upstream := strings.Join([]string{
		`: keepalive comment`,
		`data: not-json`,
		`data: {"candidates": [{"content": {"parts": [{"text": "ok"}]}, "finishReason": "STOP"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	var out bytes.Buffer
	s := newTransformer().NewStream(&out, nil, "gemini-2.5-flash", "")
	require.NoError(t, s.Consume(strings.NewReader(upstream)))

	events := parseSSE(t, out.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "message_start", events[0].Name)
	assert.Equal(t, "message_stop", events[len(events)-1].Name)
}

func TestStreamEmptyUpstreamStillCompletes(t *testing.T) {
	var out bytes.Buffer
	s := newTransformer().NewStream(&out, nil, "gemini-2.5-flash", "")
	require.NoError(t, s.Consume(strings.NewReader("")))

	events := parseSSE(t, out.String())
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, names(events))
}
