package models

import "encoding/json"

// RuntimeEventType identifies a raw event emitted by the agent runtime.
type RuntimeEventType string

const (
	// RuntimeEventChunk carries a model token chunk. Content is either a
	// plain string or a list of structured parts.
	RuntimeEventChunk RuntimeEventType = "chunk"

	// RuntimeEventToolStart marks the beginning of a tool invocation.
	RuntimeEventToolStart RuntimeEventType = "tool_start"

	// RuntimeEventToolEnd marks a completed tool invocation, carrying the
	// final input and, if the tool produced one, its output.
	RuntimeEventToolEnd RuntimeEventType = "tool_end"

	// RuntimeEventError carries a stream-level failure.
	RuntimeEventError RuntimeEventType = "error"
)

// ContentPart is one element of a structured model chunk. Non-text parts are
// dropped by the stream transformer.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// RuntimeEvent is a single raw event from the agent runtime stream.
type RuntimeEvent struct {
	Type RuntimeEventType `json:"type"`

	// Text is set for chunk events with plain string content.
	Text string `json:"text,omitempty"`

	// Parts is set for chunk events with structured content.
	Parts []ContentPart `json:"parts,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput any             `json:"tool_output,omitempty"`

	Err error `json:"-"`
}

// StreamEventType identifies a normalized event in the UI protocol.
type StreamEventType string

const (
	StreamNewConversation     StreamEventType = "new_conversation"
	StreamUserMessage         StreamEventType = "user_message"
	StreamTextStart           StreamEventType = "text-start"
	StreamTextDelta           StreamEventType = "text-delta"
	StreamTextEnd             StreamEventType = "text-end"
	StreamToolInputStart      StreamEventType = "tool-input-start"
	StreamToolInputAvailable  StreamEventType = "tool-input-available"
	StreamToolOutputAvailable StreamEventType = "tool-output-available"
	StreamError               StreamEventType = "error"
)

// StreamEvent is one normalized, ordered event delivered to the caller.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// ConversationID is set on new_conversation events. NewSessionToken is
	// additionally set when the session was transparently recovered and the
	// caller must adopt a new cookie.
	ConversationID  string `json:"conversation_id,omitempty"`
	NewSessionToken string `json:"new_session_token,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	Delta     string `json:"delta,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     any             `json:"output,omitempty"`

	ErrorMessage string `json:"error,omitempty"`
}
