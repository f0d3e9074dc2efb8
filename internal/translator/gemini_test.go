package translator

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiroproxy/internal/upstream"
)

func TestGeminiInbound(t *testing.T) {
	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be helpful."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "first"}]},
			{"role": "model", "parts": [{"text": "ok"}]},
			{"role": "user", "parts": [{"text": "second"}]}
		]
	}`)

	req, err := ParseGeminiRequest(body)
	require.NoError(t, err)
	treq, err := req.ToRequest("gemini-1.5-pro", false)
	require.NoError(t, err)

	assert.Equal(t, "gemini", treq.Protocol)
	assert.Equal(t, "claude-sonnet-4.5", treq.UpstreamModel)

	cs := treq.Body.ConversationState
	assert.Equal(t, "second", cs.CurrentMessage.UserInputMessage.Content)
	require.Len(t, cs.History, 2)
	assert.Equal(t, "Be helpful.\n\nfirst", cs.History[0].UserInputMessage.Content)
}

func TestGeminiNonStreamingAggregation(t *testing.T) {
	// Two text deltas fold into one response with the concatenated text.
	events := []*upstream.Event{
		{Type: upstream.EventAssistantText, Text: "Hel"},
		{Type: upstream.EventAssistantText, Text: "lo"},
		{Type: upstream.EventMessageStop},
	}
	i := 0
	next := func() (*upstream.Event, error) {
		if i >= len(events) {
			return nil, io.EOF
		}
		ev := events[i]
		i++
		return ev, nil
	}

	body, _, err := AggregateGemini(next)
	require.NoError(t, err)

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
				Role string `json:"role"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Candidates, 1)
	require.NotEmpty(t, resp.Candidates[0].Content.Parts)
	assert.Equal(t, "Hello", resp.Candidates[0].Content.Parts[0].Text)
	assert.Equal(t, "STOP", resp.Candidates[0].FinishReason)
	assert.Equal(t, "model", resp.Candidates[0].Content.Role)
}

func TestGeminiStreaming(t *testing.T) {
	tr := NewGeminiStream()

	frags, err := tr.Translate(&upstream.Event{Type: upstream.EventAssistantText, Text: "Hi"})
	require.NoError(t, err)
	require.Len(t, frags, 1)

	var frag struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(frags[0], &frag))
	assert.Equal(t, "Hi", frag.Candidates[0].Content.Parts[0].Text)
	assert.Empty(t, frag.Candidates[0].FinishReason)

	frags, err = tr.Translate(&upstream.Event{Type: upstream.EventMessageStop})
	require.NoError(t, err)
	require.Len(t, frags, 1)
	require.NoError(t, json.Unmarshal(frags[0], &frag))
	assert.Equal(t, "STOP", frag.Candidates[0].FinishReason)
	assert.True(t, tr.Done())
}

func TestGeminiStreamingFunctionCall(t *testing.T) {
	tr := NewGeminiStream()

	// Fragments buffer until the tool stop flag; args arrive parsed.
	frags, err := tr.Translate(&upstream.Event{Type: upstream.EventToolUse, ToolUseID: "X", ToolName: "f", ToolInput: `{"a":`})
	require.NoError(t, err)
	assert.Empty(t, frags)

	frags, err = tr.Translate(&upstream.Event{Type: upstream.EventToolUse, ToolUseID: "X", ToolInput: `1}`, ToolStop: true})
	require.NoError(t, err)
	require.Len(t, frags, 1)

	var frag struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					FunctionCall struct {
						Name string         `json:"name"`
						Args map[string]int `json:"args"`
					} `json:"functionCall"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(frags[0], &frag))
	assert.Equal(t, "f", frag.Candidates[0].Content.Parts[0].FunctionCall.Name)
	assert.Equal(t, map[string]int{"a": 1}, frag.Candidates[0].Content.Parts[0].FunctionCall.Args)
}

func TestMapModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":             "claude-sonnet-4",
		"gpt-4":              "claude-sonnet-4",
		"gpt-4o-mini":        "claude-haiku-4.5",
		"gpt-3.5-turbo":      "claude-haiku-4.5",
		"o1":                 "claude-opus-4.5",
		"o1-preview":         "claude-opus-4.5",
		"claude-opus-4.5":    "claude-opus-4.5",
		"claude-haiku-4.5":   "claude-haiku-4.5",
		"claude-sonnet-4.5":  "claude-sonnet-4.5",
		"claude-sonnet-4":    "claude-sonnet-4",
		"auto":               "auto",
		"":                   "claude-sonnet-4",
		"unknown-model":      "claude-sonnet-4",
		"my-opus-variant":    "claude-opus-4.5",
		"custom-sonnet-4.5x": "claude-sonnet-4.5",
	}
	for in, want := range cases {
		assert.Equal(t, want, MapModel(in), "MapModel(%q)", in)
	}
}
