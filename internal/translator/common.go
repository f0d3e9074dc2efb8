// Package translator maps the three client protocols onto the upstream
// conversation dialect and folds the upstream event stream back into each
// protocol's response shape. Translators are stateless across requests; the
// streaming types hold only per-request assembly state.
package translator

import (
	"strings"

	"github.com/google/uuid"

	"kiroproxy/internal/upstream"
	"kiroproxy/internal/utils"
)

// Request is a protocol-independent parsed client request, ready to dispatch.
type Request struct {
	Protocol      string
	ClientModel   string
	UpstreamModel string
	SessionKey    string
	Stream        bool
	Body          *upstream.ChatRequest
}

// sessionKeyPrefixTurns bounds how much of the message prefix feeds the
// session key. Enough to distinguish conversations, small enough that
// appending turns later in the conversation keeps the same key.
const sessionKeyPrefixTurns = 3

// sessionKey hashes the ordered prefix of role-tagged message texts.
func sessionKey(parts []string) string {
	if len(parts) > sessionKeyPrefixTurns {
		parts = parts[:sessionKeyPrefixTurns]
	}
	if len(parts) == 0 {
		return ""
	}
	return utils.ShortHash(strings.Join(parts, "\x1f"))
}

// buildChatRequest assembles the upstream body around the current user turn.
// The current turn is not part of history.
func buildChatRequest(userContent, model, system string, history []upstream.HistoryEntry,
	tools []upstream.Tool, toolResults []upstream.ToolResult, images []upstream.Image) *upstream.ChatRequest {

	msg := upstream.UserInputMessage{
		Content: userContent,
		ModelID: model,
		Origin:  "AI_EDITOR",
		Images:  images,
	}
	if len(tools) > 0 || len(toolResults) > 0 {
		msg.UserInputMessageContext = &upstream.UserInputMessageContext{
			Tools:       tools,
			ToolResults: toolResults,
		}
	}

	return &upstream.ChatRequest{
		ConversationState: upstream.ConversationState{
			ConversationID:      uuid.New().String(),
			AgentContinuationID: uuid.New().String(),
			AgentTaskType:       "vibe",
			ChatTriggerType:     "MANUAL",
			CurrentMessage:      upstream.CurrentMessage{UserInputMessage: msg},
			History:             history,
		},
		System: system,
	}
}

// collapseHistory merges consecutive same-role turns so the upstream sees a
// strictly alternating conversation.
func collapseHistory(entries []upstream.HistoryEntry) []upstream.HistoryEntry {
	if len(entries) <= 1 {
		return entries
	}
	out := make([]upstream.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if e.UserInputMessage != nil && last.UserInputMessage != nil {
				last.UserInputMessage.Content = joinTurns(last.UserInputMessage.Content, e.UserInputMessage.Content)
				continue
			}
			if e.AssistantResponseMessage != nil && last.AssistantResponseMessage != nil {
				last.AssistantResponseMessage.Content = joinTurns(last.AssistantResponseMessage.Content, e.AssistantResponseMessage.Content)
				last.AssistantResponseMessage.ToolUses = append(last.AssistantResponseMessage.ToolUses, e.AssistantResponseMessage.ToolUses...)
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func joinTurns(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}

// prefixSystem prepends system content to the first user turn.
func prefixSystem(system, content string) string {
	if system == "" {
		return content
	}
	if content == "" {
		return system
	}
	return system + "\n\n" + content
}

// UpstreamException is surfaced by the aggregators when the upstream emits an
// exception frame mid-stream. The handler classifies the payload and reports
// the failure on the account.
type UpstreamException struct {
	Payload string
}

func (e *UpstreamException) Error() string {
	return "upstream exception: " + e.Payload
}

// EstimateTokens approximates a token count from text length.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + 3) / 4)
}
