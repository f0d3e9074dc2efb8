package upstream

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
)

// Stream decodes the upstream's event framing (vnd.amazon.eventstream) into a
// lazy sequence of Events. Frames arrive length-prefixed with a small header
// block naming the event type and a JSON payload.
type Stream struct {
	body     io.ReadCloser
	decoder  *eventstream.Decoder
	buf      []byte
	stopSent bool
	closed   bool
}

// NewStream wraps a response body in a decoder. The caller must Close it.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{
		body:    body,
		decoder: eventstream.NewDecoder(),
		buf:     make([]byte, 0, 32*1024),
	}
}

// Next returns the next decoded event. The terminal MessageStop event is
// synthesised exactly once when the upstream closes the stream; afterwards
// Next returns io.EOF. Frames of unknown type are skipped.
func (s *Stream) Next() (*Event, error) {
	if s.stopSent {
		return nil, io.EOF
	}
	for {
		msg, err := s.decoder.Decode(s.body, s.buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.stopSent = true
				return &Event{Type: EventMessageStop}, nil
			}
			return nil, err
		}

		event, ok := decodeMessage(msg)
		if !ok {
			continue
		}
		return event, nil
	}
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// decodeMessage maps one frame to an Event. The event type is carried in the
// ":event-type" header; the payload is JSON.
func decodeMessage(msg eventstream.Message) (*Event, bool) {
	var eventType string
	for _, h := range msg.Headers {
		sv, ok := h.Value.(eventstream.StringValue)
		if !ok {
			continue
		}
		switch h.Name {
		case eventstreamapi.EventTypeHeader:
			eventType = string(sv)
		case eventstreamapi.MessageTypeHeader:
			if string(sv) == eventstreamapi.ExceptionMessageType {
				// A mid-stream exception: the handler ends the response with
				// an in-band error event. No failover at this point.
				return &Event{Type: EventError, ErrorPayload: string(msg.Payload)}, true
			}
		}
	}

	switch eventType {
	case "assistantResponseEvent":
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, false
		}
		return &Event{Type: EventAssistantText, Text: payload.Content}, true

	case "toolUseEvent":
		var payload struct {
			ToolUseID string `json:"toolUseId"`
			Name      string `json:"name"`
			Input     string `json:"input"`
			Stop      bool   `json:"stop"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, false
		}
		return &Event{
			Type:      EventToolUse,
			ToolUseID: payload.ToolUseID,
			ToolName:  payload.Name,
			ToolInput: payload.Input,
			ToolStop:  payload.Stop,
		}, true

	case "followupPromptEvent":
		var payload struct {
			FollowupPrompt struct {
				Content string `json:"content"`
			} `json:"followupPrompt"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, false
		}
		return &Event{Type: EventFollowupPrompt, FollowupPrompt: payload.FollowupPrompt.Content}, true

	case "messageMetadataEvent", "supplementaryWebLinksEvent":
		var payload struct {
			InputTokens  int64 `json:"inputTokens"`
			OutputTokens int64 `json:"outputTokens"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, false
		}
		return &Event{Type: EventMetadata, InputTokens: payload.InputTokens, OutputTokens: payload.OutputTokens}, true

	default:
		// Fall back on payload sniffing for frames without a type header.
		var generic map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &generic); err != nil {
			return nil, false
		}
		if raw, ok := generic["content"]; ok {
			var text string
			if err := json.Unmarshal(raw, &text); err == nil && text != "" {
				return &Event{Type: EventAssistantText, Text: text}, true
			}
		}
		return nil, false
	}
}
