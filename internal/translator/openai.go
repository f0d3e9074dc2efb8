package translator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/upstream"
)

// OpenAIMessage is one entry of a Chat Completions message list.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall is an assistant-issued function call.
type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// OpenAITool declares a callable function.
type OpenAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  any    `json:"parameters"`
	} `json:"function"`
}

// OpenAIRequest is a parsed POST /v1/chat/completions body.
type OpenAIRequest struct {
	Model    string          `json:"model"`
	Messages []OpenAIMessage `json:"messages"`
	Tools    []OpenAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

// ParseOpenAIRequest decodes and validates a Chat Completions request.
func ParseOpenAIRequest(body []byte) (*OpenAIRequest, error) {
	var req OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierr.Wrap(apierr.KindProtocolTranslation, err, "invalid JSON body")
	}
	if len(req.Messages) == 0 {
		return nil, apierr.New(apierr.KindProtocolTranslation, "messages required")
	}
	return &req, nil
}

// ToRequest converts the client request into the upstream dialect. System
// content is inlined into the first user turn: the upstream has no system
// slot for this shape.
func (r *OpenAIRequest) ToRequest() (*Request, error) {
	var (
		system      string
		history     []upstream.HistoryEntry
		toolResults []upstream.ToolResult
		keyParts    []string
	)

	model := MapModel(r.Model)

	for _, msg := range r.Messages {
		text, images := openAIContent(msg.Content)

		switch msg.Role {
		case "system", "developer":
			system = joinTurns(system, text)
		case "user":
			keyParts = append(keyParts, "user:"+text)
			history = append(history, upstream.HistoryEntry{
				UserInputMessage: &upstream.UserInputMessage{
					Content: text,
					ModelID: model,
					Origin:  "AI_EDITOR",
					Images:  images,
				},
			})
		case "assistant":
			keyParts = append(keyParts, "assistant:"+text)
			entry := &upstream.AssistantResponseMessage{Content: text}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					input = tc.Function.Arguments
				}
				entry.ToolUses = append(entry.ToolUses, upstream.ToolUse{
					ToolUseID: tc.ID,
					Name:      tc.Function.Name,
					Input:     input,
				})
			}
			history = append(history, upstream.HistoryEntry{AssistantResponseMessage: entry})
		case "tool":
			toolResults = append(toolResults, upstream.ToolResult{
				ToolUseID: msg.ToolCallID,
				Status:    "success",
				Content:   []upstream.ToolResultBlock{{Text: text}},
			})
		}
	}

	history = collapseHistory(history)

	// The trailing user turn becomes the current message.
	userContent := ""
	var images []upstream.Image
	if n := len(history); n > 0 && history[n-1].UserInputMessage != nil {
		userContent = history[n-1].UserInputMessage.Content
		images = history[n-1].UserInputMessage.Images
		history = history[:n-1]
	}
	if system != "" {
		if len(history) == 0 {
			userContent = prefixSystem(system, userContent)
		} else if history[0].UserInputMessage != nil {
			history[0].UserInputMessage.Content = prefixSystem(system, history[0].UserInputMessage.Content)
		}
	}
	if userContent == "" && len(toolResults) == 0 {
		return nil, apierr.New(apierr.KindProtocolTranslation, "no user message to dispatch")
	}

	tools := make([]upstream.Tool, 0, len(r.Tools))
	for _, t := range r.Tools {
		tools = append(tools, upstream.Tool{ToolSpecification: upstream.ToolSpecification{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: upstream.InputSchema{JSON: t.Function.Parameters},
		}})
	}

	return &Request{
		Protocol:      "openai",
		ClientModel:   r.Model,
		UpstreamModel: model,
		SessionKey:    sessionKey(keyParts),
		Stream:        r.Stream,
		Body:          buildChatRequest(userContent, model, "", history, tools, toolResults, images),
	}, nil
}

// openAIContent flattens string-or-parts content, splitting out inline images.
func openAIContent(raw json.RawMessage) (string, []upstream.Image) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}
	var (
		texts  []string
		images []upstream.Image
	)
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image_url":
			if img, ok := parseDataURL(p.ImageURL.URL); ok {
				images = append(images, img)
			}
		}
	}
	out := ""
	for i, t := range texts {
		if i > 0 {
			out += "\n"
		}
		out += t
	}
	return out, images
}

// --- outbound ---

// OpenAIStream folds upstream events into chat.completion.chunk payloads.
// Returned slices are JSON chunk bodies; the HTTP layer adds SSE framing.
type OpenAIStream struct {
	id      string
	model   string
	created int64

	tools    *toolAssembler
	roleSent bool
	done     bool
}

// NewOpenAIStream creates a streaming translator for one response.
func NewOpenAIStream(model string) *OpenAIStream {
	return &OpenAIStream{
		id:      "chatcmpl-" + uuid.NewString()[:24],
		model:   model,
		created: time.Now().Unix(),
		tools:   newToolAssembler(),
	}
}

// Done reports whether the terminal chunk has been produced.
func (t *OpenAIStream) Done() bool { return t.done }

// Translate maps one upstream event to zero or more chunk bodies.
func (t *OpenAIStream) Translate(ev *upstream.Event) ([][]byte, error) {
	switch ev.Type {
	case upstream.EventAssistantText:
		if ev.Text == "" {
			return nil, nil
		}
		return [][]byte{t.chunk(map[string]any{"content": ev.Text}, nil)}, nil

	case upstream.EventToolUse:
		call, isNew, fragment := t.tools.Add(ev.ToolUseID, ev.ToolName, ev.ToolInput)
		var chunks [][]byte
		if isNew {
			chunks = append(chunks, t.chunk(map[string]any{
				"tool_calls": []map[string]any{{
					"index": call.index,
					"id":    call.id,
					"type":  "function",
					"function": map[string]any{
						"name":      call.name,
						"arguments": "",
					},
				}},
			}, nil))
		}
		if fragment != "" {
			chunks = append(chunks, t.argumentsChunk(call.index, fragment))
		}
		if ev.ToolStop {
			if tail := t.tools.Flush(ev.ToolUseID); tail != "" {
				chunks = append(chunks, t.argumentsChunk(call.index, tail))
			}
		}
		return chunks, nil

	case upstream.EventMessageStop:
		var chunks [][]byte
		for _, call := range t.tools.Calls() {
			if tail := t.tools.Flush(call.id); tail != "" {
				chunks = append(chunks, t.argumentsChunk(call.index, tail))
			}
		}
		finish := "stop"
		if !t.tools.Empty() {
			finish = "tool_calls"
		}
		chunks = append(chunks, t.chunk(map[string]any{}, &finish))
		t.done = true
		return chunks, nil

	default:
		return nil, nil
	}
}

func (t *OpenAIStream) argumentsChunk(index int, fragment string) []byte {
	return t.chunk(map[string]any{
		"tool_calls": []map[string]any{{
			"index":    index,
			"function": map[string]any{"arguments": fragment},
		}},
	}, nil)
}

func (t *OpenAIStream) chunk(delta map[string]any, finishReason *string) []byte {
	if !t.roleSent {
		delta["role"] = "assistant"
		t.roleSent = true
	}
	payload := map[string]any{
		"id":      t.id,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	}
	data, _ := json.Marshal(payload)
	return data
}

// AggregateOpenAI consumes the whole stream and materialises a non-streaming
// chat.completion response.
func AggregateOpenAI(model string, next func() (*upstream.Event, error)) ([]byte, *Usage, error) {
	var (
		text  string
		tools = newToolAssembler()
		usage Usage
	)
	for {
		ev, err := next()
		if err != nil {
			return nil, nil, err
		}
		switch ev.Type {
		case upstream.EventAssistantText:
			text += ev.Text
		case upstream.EventToolUse:
			tools.Add(ev.ToolUseID, ev.ToolName, ev.ToolInput)
		case upstream.EventMetadata:
			usage.InputTokens = ev.InputTokens
			usage.OutputTokens = ev.OutputTokens
		case upstream.EventError:
			return nil, nil, &UpstreamException{Payload: ev.ErrorPayload}
		case upstream.EventMessageStop:
			finish := "stop"
			message := map[string]any{"role": "assistant", "content": text}
			if !tools.Empty() {
				finish = "tool_calls"
				var calls []map[string]any
				for _, call := range tools.Calls() {
					calls = append(calls, map[string]any{
						"id":   call.id,
						"type": "function",
						"function": map[string]any{
							"name":      call.name,
							"arguments": call.full.String(),
						},
					})
				}
				message["tool_calls"] = calls
			}
			if usage.OutputTokens == 0 {
				usage.OutputTokens = EstimateTokens(text)
			}
			payload := map[string]any{
				"id":      "chatcmpl-" + uuid.NewString()[:24],
				"object":  "chat.completion",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []map[string]any{{
					"index":         0,
					"message":       message,
					"finish_reason": finish,
				}},
				"usage": map[string]any{
					"prompt_tokens":     usage.InputTokens,
					"completion_tokens": usage.OutputTokens,
					"total_tokens":      usage.InputTokens + usage.OutputTokens,
				},
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, nil, apierr.Wrap(apierr.KindInternal, err, "failed to encode response")
			}
			return data, &usage, nil
		}
	}
}

// Usage carries token counters extracted from a stream.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// OpenAIErrorBody renders a protocol-appropriate error payload.
func OpenAIErrorBody(status int, message string) []byte {
	payload := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    status,
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

// OpenAIStreamErrorEvent renders the in-band error event for mid-stream
// failures.
func OpenAIStreamErrorEvent(message string) []byte {
	payload := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

// parseDataURL extracts an inline base64 image from a data: URL.
func parseDataURL(url string) (upstream.Image, bool) {
	const prefix = "data:image/"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return upstream.Image{}, false
	}
	rest := url[len(prefix):]
	sep := -1
	for i := range rest {
		if rest[i] == ';' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return upstream.Image{}, false
	}
	format := rest[:sep]
	marker := ";base64,"
	if len(rest) < sep+len(marker) || rest[sep:sep+len(marker)] != marker {
		return upstream.Image{}, false
	}
	return upstream.Image{
		Format: format,
		Source: upstream.ImageSource{Bytes: rest[sep+len(marker):]},
	}, true
}
