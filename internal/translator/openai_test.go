package translator

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiroproxy/internal/upstream"
)

func TestOpenAIInbound(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"stream": true,
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "first"},
			{"role": "assistant", "content": "ok"},
			{"role": "user", "content": "second"}
		],
		"tools": [{"type": "function", "function": {"name": "search", "description": "d", "parameters": {"type": "object"}}}]
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)
	treq, err := req.ToRequest()
	require.NoError(t, err)

	assert.Equal(t, "openai", treq.Protocol)
	assert.Equal(t, "gpt-4o", treq.ClientModel)
	assert.Equal(t, "claude-sonnet-4", treq.UpstreamModel)
	assert.Empty(t, treq.Body.System, "system is inlined, not top-level, for this protocol")

	cs := treq.Body.ConversationState
	assert.Equal(t, "second", cs.CurrentMessage.UserInputMessage.Content)
	require.Len(t, cs.History, 2)
	assert.Equal(t, "Be brief.\n\nfirst", cs.History[0].UserInputMessage.Content)

	tools := cs.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].ToolSpecification.Name)
}

func TestOpenAIInboundCollapsesSameRole(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "part one"},
			{"role": "user", "content": "part two"}
		]
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)
	treq, err := req.ToRequest()
	require.NoError(t, err)

	cs := treq.Body.ConversationState
	assert.Empty(t, cs.History)
	assert.Equal(t, "part one\npart two", cs.CurrentMessage.UserInputMessage.Content)
}

func TestOpenAIInboundToolMessages(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call-1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Berlin\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call-1", "content": "15C"}
		]
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)
	treq, err := req.ToRequest()
	require.NoError(t, err)

	msgCtx := treq.Body.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext
	require.NotNil(t, msgCtx)
	require.Len(t, msgCtx.ToolResults, 1)
	assert.Equal(t, "call-1", msgCtx.ToolResults[0].ToolUseID)
}

func TestOpenAIInboundRejectsEmpty(t *testing.T) {
	_, err := ParseOpenAIRequest([]byte(`{"model": "gpt-4o", "messages": []}`))
	assert.Error(t, err)

	_, err = ParseOpenAIRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestOpenAIStreamText(t *testing.T) {
	tr := NewOpenAIStream("claude-sonnet-4")

	chunks, err := tr.Translate(&upstream.Event{Type: upstream.EventAssistantText, Text: "Hel"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	var chunk struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(chunks[0], &chunk))
	assert.Equal(t, "chat.completion.chunk", chunk.Object)
	assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role, "first chunk carries the role")
	assert.Equal(t, "Hel", chunk.Choices[0].Delta.Content)
	assert.Nil(t, chunk.Choices[0].FinishReason)

	chunks, err = tr.Translate(&upstream.Event{Type: upstream.EventAssistantText, Text: "lo"})
	require.NoError(t, err)
	// Decode into fresh elements: json.Unmarshal leaves fields that are absent
	// from the input untouched, so a reused element would keep the old role.
	chunk.Choices = nil
	require.NoError(t, json.Unmarshal(chunks[0], &chunk))
	assert.Empty(t, chunk.Choices[0].Delta.Role, "role appears once")

	chunks, err = tr.Translate(&upstream.Event{Type: upstream.EventMessageStop})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NoError(t, json.Unmarshal(chunks[0], &chunk))
	require.NotNil(t, chunk.Choices[0].FinishReason)
	assert.Equal(t, "stop", *chunk.Choices[0].FinishReason)
	assert.True(t, tr.Done())
}

type openAIToolChunk struct {
	Choices []struct {
		Delta struct {
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func TestOpenAIStreamToolCalls(t *testing.T) {
	tr := NewOpenAIStream("claude-sonnet-4")

	chunks, err := tr.Translate(&upstream.Event{
		Type: upstream.EventToolUse, ToolUseID: "X", ToolName: "f", ToolInput: `{"a":`,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2, "header block plus first arguments fragment")

	var header openAIToolChunk
	require.NoError(t, json.Unmarshal(chunks[0], &header))
	tc := header.Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, tc.Index)
	assert.Equal(t, "X", tc.ID)
	assert.Equal(t, "function", tc.Type)
	assert.Equal(t, "f", tc.Function.Name)
	assert.Empty(t, tc.Function.Arguments)

	concat := ""
	var frag openAIToolChunk
	require.NoError(t, json.Unmarshal(chunks[1], &frag))
	concat += frag.Choices[0].Delta.ToolCalls[0].Function.Arguments

	for _, input := range []string{`1,"b":`, `2}`} {
		chunks, err = tr.Translate(&upstream.Event{Type: upstream.EventToolUse, ToolUseID: "X", ToolInput: input})
		require.NoError(t, err)
		for _, c := range chunks {
			require.NoError(t, json.Unmarshal(c, &frag))
			concat += frag.Choices[0].Delta.ToolCalls[0].Function.Arguments
		}
	}

	var parsed map[string]int
	require.NoError(t, json.Unmarshal([]byte(concat), &parsed))
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, parsed)

	chunks, err = tr.Translate(&upstream.Event{Type: upstream.EventMessageStop})
	require.NoError(t, err)
	var final openAIToolChunk
	require.NoError(t, json.Unmarshal(chunks[len(chunks)-1], &final))
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "tool_calls", *final.Choices[0].FinishReason)
}

func TestOpenAIStreamToolOrdering(t *testing.T) {
	tr := NewOpenAIStream("claude-sonnet-4")

	first, err := tr.Translate(&upstream.Event{Type: upstream.EventToolUse, ToolUseID: "A", ToolName: "alpha", ToolInput: `{}`})
	require.NoError(t, err)
	second, err := tr.Translate(&upstream.Event{Type: upstream.EventToolUse, ToolUseID: "B", ToolName: "beta", ToolInput: `{}`})
	require.NoError(t, err)

	var a, b openAIToolChunk
	require.NoError(t, json.Unmarshal(first[0], &a))
	require.NoError(t, json.Unmarshal(second[0], &b))
	assert.Equal(t, 0, a.Choices[0].Delta.ToolCalls[0].Index)
	assert.Equal(t, "alpha", a.Choices[0].Delta.ToolCalls[0].Function.Name)
	assert.Equal(t, 1, b.Choices[0].Delta.ToolCalls[0].Index)
	assert.Equal(t, "beta", b.Choices[0].Delta.ToolCalls[0].Function.Name)
}

func TestAggregateOpenAI(t *testing.T) {
	events := []*upstream.Event{
		{Type: upstream.EventAssistantText, Text: "Hello"},
		{Type: upstream.EventToolUse, ToolUseID: "X", ToolName: "f", ToolInput: `{"a":1}`},
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

	body, _, err := AggregateOpenAI("claude-sonnet-4", next)
	require.NoError(t, err)

	var resp struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, `{"a":1}`, resp.Choices[0].Message.ToolCalls[0].Function.Arguments)
}
