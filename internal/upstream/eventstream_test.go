package upstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeFrames renders events in the upstream's wire framing.
func encodeFrames(t *testing.T, frames []framedEvent) io.ReadCloser {
	t.Helper()
	var buf bytes.Buffer
	encoder := eventstream.NewEncoder()
	for _, f := range frames {
		msg := eventstream.Message{Payload: []byte(f.payload)}
		msg.Headers.Set(eventstreamapi.MessageTypeHeader, eventstream.StringValue(f.messageType))
		if f.eventType != "" {
			msg.Headers.Set(eventstreamapi.EventTypeHeader, eventstream.StringValue(f.eventType))
		}
		require.NoError(t, encoder.Encode(&buf, msg))
	}
	return io.NopCloser(&buf)
}

type framedEvent struct {
	messageType string
	eventType   string
	payload     string
}

func TestStreamDecodesTextAndToolEvents(t *testing.T) {
	body := encodeFrames(t, []framedEvent{
		{"event", "assistantResponseEvent", `{"content":"Hel"}`},
		{"event", "assistantResponseEvent", `{"content":"lo"}`},
		{"event", "toolUseEvent", `{"toolUseId":"X","name":"f","input":"{\"a\":1}","stop":true}`},
	})

	s := NewStream(body)
	defer s.Close()

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, EventAssistantText, ev.Type)
	assert.Equal(t, "Hel", ev.Text)

	ev, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "lo", ev.Text)

	ev, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, EventToolUse, ev.Type)
	assert.Equal(t, "X", ev.ToolUseID)
	assert.Equal(t, "f", ev.ToolName)
	assert.Equal(t, `{"a":1}`, ev.ToolInput)
	assert.True(t, ev.ToolStop)
}

func TestStreamSynthesisesMessageStopOnce(t *testing.T) {
	body := encodeFrames(t, []framedEvent{
		{"event", "assistantResponseEvent", `{"content":"hi"}`},
	})

	s := NewStream(body)
	defer s.Close()

	_, err := s.Next()
	require.NoError(t, err)

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, EventMessageStop, ev.Type)

	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
}

func TestStreamEmptyBody(t *testing.T) {
	s := NewStream(io.NopCloser(bytes.NewReader(nil)))
	defer s.Close()

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, EventMessageStop, ev.Type)
}

func TestStreamExceptionFrame(t *testing.T) {
	body := encodeFrames(t, []framedEvent{
		{"exception", "", `{"reason":"MONTHLY_REQUEST_COUNT"}`},
	})

	s := NewStream(body)
	defer s.Close()

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.ErrorPayload, "MONTHLY_REQUEST_COUNT")
}

func TestStreamSkipsUnknownEventTypes(t *testing.T) {
	body := encodeFrames(t, []framedEvent{
		{"event", "somethingNewEvent", `{"whatever":true}`},
		{"event", "assistantResponseEvent", `{"content":"ok"}`},
	})

	s := NewStream(body)
	defer s.Close()

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, EventAssistantText, ev.Type)
	assert.Equal(t, "ok", ev.Text)
}

func TestStreamMetadataEvent(t *testing.T) {
	body := encodeFrames(t, []framedEvent{
		{"event", "messageMetadataEvent", `{"inputTokens":12,"outputTokens":34}`},
	})

	s := NewStream(body)
	defer s.Close()

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, EventMetadata, ev.Type)
	assert.Equal(t, int64(12), ev.InputTokens)
	assert.Equal(t, int64(34), ev.OutputTokens)
}
