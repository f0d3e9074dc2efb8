package translator

import (
	"encoding/json"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/upstream"
)

// GeminiPart is one part of a Gemini content entry.
type GeminiPart struct {
	Text             string `json:"text,omitempty"`
	FunctionCall     *struct {
		Name string `json:"name"`
		Args any    `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string `json:"name"`
		Response any    `json:"response"`
	} `json:"functionResponse,omitempty"`
}

// GeminiContent is one turn of a generateContent conversation.
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiRequest is a parsed POST /v1/models/{model}:generateContent body.
type GeminiRequest struct {
	Contents          []GeminiContent `json:"contents"`
	SystemInstruction *GeminiContent  `json:"systemInstruction,omitempty"`
	Tools             []struct {
		FunctionDeclarations []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Parameters  any    `json:"parameters"`
		} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
}

// ParseGeminiRequest decodes and validates a generateContent request.
func ParseGeminiRequest(body []byte) (*GeminiRequest, error) {
	var req GeminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierr.Wrap(apierr.KindProtocolTranslation, err, "invalid JSON body")
	}
	if len(req.Contents) == 0 {
		return nil, apierr.New(apierr.KindProtocolTranslation, "contents required")
	}
	return &req, nil
}

// ToRequest converts the client request into the upstream dialect. clientModel
// comes from the URL path. System instructions are inlined into the first
// user turn.
func (r *GeminiRequest) ToRequest(clientModel string, stream bool) (*Request, error) {
	model := MapModel(clientModel)

	system := ""
	if r.SystemInstruction != nil {
		for _, p := range r.SystemInstruction.Parts {
			system = joinTurns(system, p.Text)
		}
	}

	var (
		history  []upstream.HistoryEntry
		keyParts []string
	)
	for _, content := range r.Contents {
		text := ""
		for _, p := range content.Parts {
			text = joinTurns(text, p.Text)
		}
		switch content.Role {
		case "model":
			keyParts = append(keyParts, "assistant:"+text)
			history = append(history, upstream.HistoryEntry{
				AssistantResponseMessage: &upstream.AssistantResponseMessage{Content: text},
			})
		default: // "user" and unlabelled turns
			keyParts = append(keyParts, "user:"+text)
			history = append(history, upstream.HistoryEntry{
				UserInputMessage: &upstream.UserInputMessage{
					Content: text,
					ModelID: model,
					Origin:  "AI_EDITOR",
				},
			})
		}
	}

	history = collapseHistory(history)

	userContent := ""
	if n := len(history); n > 0 && history[n-1].UserInputMessage != nil {
		userContent = history[n-1].UserInputMessage.Content
		history = history[:n-1]
	}
	if system != "" {
		if len(history) == 0 {
			userContent = prefixSystem(system, userContent)
		} else if history[0].UserInputMessage != nil {
			history[0].UserInputMessage.Content = prefixSystem(system, history[0].UserInputMessage.Content)
		}
	}
	if userContent == "" {
		return nil, apierr.New(apierr.KindProtocolTranslation, "no user content to dispatch")
	}

	var tools []upstream.Tool
	for _, t := range r.Tools {
		for _, fd := range t.FunctionDeclarations {
			tools = append(tools, upstream.Tool{ToolSpecification: upstream.ToolSpecification{
				Name:        fd.Name,
				Description: fd.Description,
				InputSchema: upstream.InputSchema{JSON: fd.Parameters},
			}})
		}
	}

	return &Request{
		Protocol:      "gemini",
		ClientModel:   clientModel,
		UpstreamModel: model,
		SessionKey:    sessionKey(keyParts),
		Stream:        stream,
		Body:          buildChatRequest(userContent, model, "", history, tools, nil, nil),
	}, nil
}

// --- outbound ---

// GeminiStream folds upstream events into GenerateContentResponse fragments.
// Tool inputs are buffered until complete: a functionCall part carries parsed
// args, not an incremental string.
type GeminiStream struct {
	tools   *toolAssembler
	emitted map[string]bool
	done    bool
}

// NewGeminiStream creates a streaming translator for one response.
func NewGeminiStream() *GeminiStream {
	return &GeminiStream{tools: newToolAssembler(), emitted: make(map[string]bool)}
}

func (t *GeminiStream) markEmitted(id string) { t.emitted[id] = true }

// Done reports whether the terminal fragment has been produced.
func (t *GeminiStream) Done() bool { return t.done }

// Translate maps one upstream event to zero or more response fragments.
func (t *GeminiStream) Translate(ev *upstream.Event) ([][]byte, error) {
	switch ev.Type {
	case upstream.EventAssistantText:
		if ev.Text == "" {
			return nil, nil
		}
		return [][]byte{geminiFragment([]map[string]any{{"text": ev.Text}}, "")}, nil

	case upstream.EventToolUse:
		call, _, _ := t.tools.Add(ev.ToolUseID, ev.ToolName, ev.ToolInput)
		if ev.ToolStop && !t.emitted[call.id] {
			t.markEmitted(call.id)
			return [][]byte{geminiFragment([]map[string]any{{
				"functionCall": map[string]any{"name": call.name, "args": call.ParsedInput()},
			}}, "")}, nil
		}
		return nil, nil

	case upstream.EventMessageStop:
		t.done = true
		// Tool calls that never saw an explicit stop flag complete here.
		var parts []map[string]any
		for _, call := range t.tools.Calls() {
			if t.emitted[call.id] {
				continue
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": call.name, "args": call.ParsedInput()},
			})
		}
		if len(parts) == 0 {
			parts = []map[string]any{{"text": ""}}
		}
		return [][]byte{geminiFragment(parts, "STOP")}, nil

	default:
		return nil, nil
	}
}

func geminiFragment(parts []map[string]any, finishReason string) []byte {
	candidate := map[string]any{
		"content": map[string]any{
			"parts": parts,
			"role":  "model",
		},
		"index": 0,
	}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}
	payload := map[string]any{"candidates": []map[string]any{candidate}}
	data, _ := json.Marshal(payload)
	return data
}

// AggregateGemini consumes the whole stream and materialises a single
// GenerateContentResponse.
func AggregateGemini(next func() (*upstream.Event, error)) ([]byte, *Usage, error) {
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
			var parts []map[string]any
			if text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
			for _, call := range tools.Calls() {
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": call.name, "args": call.ParsedInput()},
				})
			}
			if len(parts) == 0 {
				parts = []map[string]any{{"text": ""}}
			}
			if usage.OutputTokens == 0 {
				usage.OutputTokens = EstimateTokens(text)
			}
			payload := map[string]any{
				"candidates": []map[string]any{{
					"content": map[string]any{
						"parts": parts,
						"role":  "model",
					},
					"finishReason": "STOP",
					"index":        0,
				}},
				"usageMetadata": map[string]any{
					"promptTokenCount":     usage.InputTokens,
					"candidatesTokenCount": usage.OutputTokens,
					"totalTokenCount":      usage.InputTokens + usage.OutputTokens,
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

// GeminiErrorBody renders a protocol-appropriate error payload.
func GeminiErrorBody(status int, message string) []byte {
	payload := map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  "UNAVAILABLE",
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

// GeminiStreamErrorFragment ends a stream with an error-bearing candidate.
func GeminiStreamErrorFragment(message string) []byte {
	return geminiFragment([]map[string]any{{"text": "\n[error] " + message}}, "ERROR")
}
