package translator

import (
	"encoding/json"

	"github.com/google/uuid"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/upstream"
)

// AnthropicMessage is one entry of a Messages API message list.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicTool declares a callable tool.
type AnthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// AnthropicRequest is a parsed POST /v1/messages body.
type AnthropicRequest struct {
	Model     string             `json:"model"`
	System    json.RawMessage    `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Tools     []AnthropicTool    `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

// ParseAnthropicRequest decodes and validates a Messages request.
func ParseAnthropicRequest(body []byte) (*AnthropicRequest, error) {
	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierr.Wrap(apierr.KindProtocolTranslation, err, "invalid JSON body")
	}
	if len(req.Messages) == 0 {
		return nil, apierr.New(apierr.KindProtocolTranslation, "messages required")
	}
	return &req, nil
}

// SystemText flattens the string-or-blocks system field.
func (r *AnthropicRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out = joinTurns(out, b.Text)
		}
	}
	return out
}

// ToRequest converts the client request into the upstream dialect. The system
// field is passed through at the top level of the upstream body.
func (r *AnthropicRequest) ToRequest() (*Request, error) {
	var (
		history     []upstream.HistoryEntry
		toolResults []upstream.ToolResult
		keyParts    []string
	)

	model := MapModel(r.Model)

	for _, msg := range r.Messages {
		text, images, toolUses, results := anthropicContent(msg.Content)

		switch msg.Role {
		case "user":
			if len(results) > 0 {
				toolResults = append(toolResults, results...)
			}
			if text == "" && len(results) > 0 {
				continue
			}
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
			history = append(history, upstream.HistoryEntry{
				AssistantResponseMessage: &upstream.AssistantResponseMessage{
					Content:  text,
					ToolUses: toolUses,
				},
			})
		}
	}

	history = collapseHistory(history)

	userContent := ""
	var images []upstream.Image
	if n := len(history); n > 0 && history[n-1].UserInputMessage != nil {
		userContent = history[n-1].UserInputMessage.Content
		images = history[n-1].UserInputMessage.Images
		history = history[:n-1]
	}
	if userContent == "" && len(toolResults) == 0 {
		return nil, apierr.New(apierr.KindProtocolTranslation, "no user message to dispatch")
	}

	tools := make([]upstream.Tool, 0, len(r.Tools))
	for _, t := range r.Tools {
		tools = append(tools, upstream.Tool{ToolSpecification: upstream.ToolSpecification{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: upstream.InputSchema{JSON: t.InputSchema},
		}})
	}

	return &Request{
		Protocol:      "anthropic",
		ClientModel:   r.Model,
		UpstreamModel: model,
		SessionKey:    sessionKey(keyParts),
		Stream:        r.Stream,
		Body:          buildChatRequest(userContent, model, r.SystemText(), history, tools, toolResults, images),
	}, nil
}

// anthropicContent flattens string-or-blocks content into text, images, tool
// uses, and tool results.
func anthropicContent(raw json.RawMessage) (string, []upstream.Image, []upstream.ToolUse, []upstream.ToolResult) {
	if len(raw) == 0 {
		return "", nil, nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil, nil
	}

	var blocks []struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     any             `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		Source    struct {
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		} `json:"source"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, nil, nil
	}

	var (
		text    string
		images  []upstream.Image
		uses    []upstream.ToolUse
		results []upstream.ToolResult
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text = joinTurns(text, b.Text)
		case "tool_use":
			uses = append(uses, upstream.ToolUse{ToolUseID: b.ID, Name: b.Name, Input: b.Input})
		case "tool_result":
			results = append(results, upstream.ToolResult{
				ToolUseID: b.ToolUseID,
				Status:    "success",
				Content:   []upstream.ToolResultBlock{{Text: flattenToolResult(b.Content)}},
			})
		case "image":
			format := "jpeg"
			switch b.Source.MediaType {
			case "image/png":
				format = "png"
			case "image/gif":
				format = "gif"
			case "image/webp":
				format = "webp"
			}
			images = append(images, upstream.Image{
				Format: format,
				Source: upstream.ImageSource{Bytes: b.Source.Data},
			})
		}
	}
	return text, images, uses, results
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out = joinTurns(out, b.Text)
			}
		}
		return out
	}
	return string(raw)
}

// --- outbound ---

// AnthropicEvent is one SSE event of the Messages stream vocabulary.
type AnthropicEvent struct {
	Name string
	Data []byte
}

type anthropicBlockKind int

const (
	blockNone anthropicBlockKind = iota
	blockText
	blockTool
)

// AnthropicStream folds upstream events into the Messages event vocabulary:
// message_start, content_block_start/delta/stop per interleaved text run or
// tool use, message_delta, message_stop.
type AnthropicStream struct {
	id    string
	model string

	tools      *toolAssembler
	started    bool
	blockKind  anthropicBlockKind
	blockTool  string // toolUseId of the open tool block
	blockIndex int
	outputLen  int64
	usage      Usage
	done       bool
}

// NewAnthropicStream creates a streaming translator for one response.
func NewAnthropicStream(model string) *AnthropicStream {
	return &AnthropicStream{
		id:         "msg_" + uuid.NewString()[:24],
		model:      model,
		tools:      newToolAssembler(),
		blockIndex: -1,
	}
}

// Done reports whether message_stop has been produced.
func (t *AnthropicStream) Done() bool { return t.done }

// Translate maps one upstream event to zero or more Anthropic SSE events.
func (t *AnthropicStream) Translate(ev *upstream.Event) ([]AnthropicEvent, error) {
	var out []AnthropicEvent
	if !t.started {
		out = append(out, t.messageStart())
		t.started = true
	}

	switch ev.Type {
	case upstream.EventAssistantText:
		if ev.Text == "" {
			return out, nil
		}
		if t.blockKind != blockText {
			out = append(out, t.closeBlock()...)
			t.blockIndex++
			t.blockKind = blockText
			out = append(out, t.event("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         t.blockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			}))
		}
		t.outputLen += int64(len(ev.Text))
		out = append(out, t.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		}))

	case upstream.EventToolUse:
		if t.blockKind != blockTool || t.blockTool != ev.ToolUseID {
			out = append(out, t.closeBlock()...)
			t.blockIndex++
			t.blockKind = blockTool
			t.blockTool = ev.ToolUseID
			call, _, fragment := t.tools.Add(ev.ToolUseID, ev.ToolName, ev.ToolInput)
			out = append(out, t.event("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": t.blockIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    call.id,
					"name":  call.name,
					"input": map[string]any{},
				},
			}))
			if fragment != "" {
				out = append(out, t.inputDelta(fragment))
			}
		} else {
			_, _, fragment := t.tools.Add(ev.ToolUseID, ev.ToolName, ev.ToolInput)
			if fragment != "" {
				out = append(out, t.inputDelta(fragment))
			}
		}
		if ev.ToolStop {
			if tail := t.tools.Flush(ev.ToolUseID); tail != "" {
				out = append(out, t.inputDelta(tail))
			}
			out = append(out, t.closeBlock()...)
		}

	case upstream.EventMetadata:
		t.usage.InputTokens = ev.InputTokens
		t.usage.OutputTokens = ev.OutputTokens

	case upstream.EventMessageStop:
		if t.blockKind == blockTool {
			if tail := t.tools.Flush(t.blockTool); tail != "" {
				out = append(out, t.inputDelta(tail))
			}
		}
		out = append(out, t.closeBlock()...)
		stopReason := "end_turn"
		if !t.tools.Empty() {
			stopReason = "tool_use"
		}
		outputTokens := t.usage.OutputTokens
		if outputTokens == 0 {
			outputTokens = (t.outputLen + 3) / 4
		}
		out = append(out, t.event("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]any{"output_tokens": outputTokens},
		}))
		out = append(out, t.event("message_stop", map[string]any{"type": "message_stop"}))
		t.done = true
	}
	return out, nil
}

func (t *AnthropicStream) inputDelta(fragment string) AnthropicEvent {
	return t.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": fragment},
	})
}

func (t *AnthropicStream) closeBlock() []AnthropicEvent {
	if t.blockKind == blockNone {
		return nil
	}
	ev := t.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.blockIndex,
	})
	t.blockKind = blockNone
	t.blockTool = ""
	return []AnthropicEvent{ev}
}

func (t *AnthropicStream) messageStart() AnthropicEvent {
	return t.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            t.id,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         t.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": t.usage.InputTokens, "output_tokens": 0},
		},
	})
}

func (t *AnthropicStream) event(name string, payload map[string]any) AnthropicEvent {
	data, _ := json.Marshal(payload)
	return AnthropicEvent{Name: name, Data: data}
}

// AggregateAnthropic consumes the whole stream and materialises a
// non-streaming Messages response. All text deltas are joined into one leading
// text block, followed by the tool_use blocks in arrival order; text that
// arrived between tool calls does not get a block of its own.
func AggregateAnthropic(model string, next func() (*upstream.Event, error)) ([]byte, *Usage, error) {
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
			var content []map[string]any
			if text != "" {
				content = append(content, map[string]any{"type": "text", "text": text})
			}
			stopReason := "end_turn"
			for _, call := range tools.Calls() {
				stopReason = "tool_use"
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    call.id,
					"name":  call.name,
					"input": call.ParsedInput(),
				})
			}
			if usage.OutputTokens == 0 {
				usage.OutputTokens = EstimateTokens(text)
			}
			payload := map[string]any{
				"id":            "msg_" + uuid.NewString()[:24],
				"type":          "message",
				"role":          "assistant",
				"content":       content,
				"model":         model,
				"stop_reason":   stopReason,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  usage.InputTokens,
					"output_tokens": usage.OutputTokens,
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

// AnthropicErrorBody renders a protocol-appropriate error payload.
func AnthropicErrorBody(errType, message string) []byte {
	payload := map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

// AnthropicErrorType maps an error kind to the Messages error taxonomy.
func AnthropicErrorType(kind apierr.Kind) string {
	switch kind {
	case apierr.KindQuotaExceeded:
		return "rate_limit_error"
	case apierr.KindContentTooLong, apierr.KindProtocolTranslation:
		return "invalid_request_error"
	case apierr.KindAuthExpired, apierr.KindInvalidRefreshToken:
		return "authentication_error"
	case apierr.KindNoAccountAvailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// CountAnthropicTokens estimates input tokens for count_tokens requests.
func CountAnthropicTokens(req *AnthropicRequest) int64 {
	total := EstimateTokens(req.SystemText())
	for _, msg := range req.Messages {
		text, _, _, _ := anthropicContent(msg.Content)
		total += EstimateTokens(text)
	}
	return total
}
