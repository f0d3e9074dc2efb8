package upstream

// Wire types for the upstream conversation API. Field names follow the
// service's JSON exactly.

// ChatRequest is the body of a generateAssistantResponse call. System is only
// populated for Anthropic-origin requests; the other protocols inline their
// system content into the first user turn.
type ChatRequest struct {
	ConversationState ConversationState `json:"conversationState"`
	System            string            `json:"system,omitempty"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the current message plus prior turns.
type ConversationState struct {
	ConversationID      string         `json:"conversationId"`
	AgentContinuationID string         `json:"agentContinuationId,omitempty"`
	AgentTaskType       string         `json:"agentTaskType,omitempty"`
	ChatTriggerType     string         `json:"chatTriggerType"`
	CurrentMessage      CurrentMessage `json:"currentMessage"`
	History             []HistoryEntry `json:"history"`
}

// CurrentMessage wraps the user turn being answered.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryEntry is one prior turn: exactly one of the fields is set.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is a user turn.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool definitions and tool results.
type UserInputMessageContext struct {
	Tools       []Tool       `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// AssistantResponseMessage is an assistant turn.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// Tool declares one callable tool.
type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification is the upstream tool shape.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the JSON schema of a tool's input.
type InputSchema struct {
	JSON any `json:"json"`
}

// ToolUse is a completed tool call in history.
type ToolUse struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     any    `json:"input"`
}

// ToolResult feeds a tool outcome back to the model.
type ToolResult struct {
	ToolUseID string             `json:"toolUseId"`
	Status    string             `json:"status,omitempty"`
	Content   []ToolResultBlock  `json:"content"`
}

// ToolResultBlock is one piece of a tool result.
type ToolResultBlock struct {
	Text string `json:"text,omitempty"`
	JSON any    `json:"json,omitempty"`
}

// Image attaches an inline image to a user turn.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource carries base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// Model is one entry of the ListAvailableModels response.
type Model struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
}

// EventType discriminates decoded stream events.
type EventType int

const (
	// EventAssistantText is a text delta.
	EventAssistantText EventType = iota
	// EventToolUse is a tool-call fragment keyed by ToolUseID.
	EventToolUse
	// EventFollowupPrompt is an upstream-suggested follow-up.
	EventFollowupPrompt
	// EventMetadata carries usage counters.
	EventMetadata
	// EventMessageStop terminates the stream. It is synthesised exactly once.
	EventMessageStop
	// EventError is an upstream exception frame observed mid-stream. The
	// stream is unusable afterwards.
	EventError
)

// Event is one decoded upstream stream event.
type Event struct {
	Type EventType

	// EventAssistantText
	Text string

	// EventToolUse
	ToolUseID string
	ToolName  string
	ToolInput string // incremental JSON fragment
	ToolStop  bool

	// EventFollowupPrompt
	FollowupPrompt string

	// EventMetadata
	InputTokens  int64
	OutputTokens int64

	// EventError
	ErrorPayload string
}
