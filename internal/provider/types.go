// Package provider defines the uniform event vocabulary between the model
// vendor and the orchestrator. Adapters translate vendor streams onto the
// closed event union; nothing above this package sees vendor types.
package provider

import (
	"context"
	"encoding/json"
)

// EventType discriminates the stream event union.
type EventType string

const (
	// EventTextFragment carries one chunk of assistant text.
	EventTextFragment EventType = "text_fragment"
	// EventToolCallStart opens a tool-call block: correlation id and name
	// arrive first, arguments follow as fragments.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallArg carries one fragment of a tool call's argument JSON.
	EventToolCallArg EventType = "tool_call_arg"
	// EventTurnEnd signals the model finished the turn, with a reason.
	EventTurnEnd EventType = "turn_end"
	// EventUsage reports token usage for the turn.
	EventUsage EventType = "usage"
	// EventStreamEnd is the final event of a well-formed stream.
	EventStreamEnd EventType = "stream_end"
)

// Turn end reasons.
const (
	EndReasonToolUse   = "tool_use"
	EndReasonEndTurn   = "end_turn"
	EndReasonMaxTokens = "max_tokens"
)

// Event is one element of the stream union. Fields are populated per Type.
type Event struct {
	Type EventType

	// EventTextFragment
	Text string

	// EventToolCallStart / EventToolCallArg
	Index    int64
	CallID   string
	ToolName string
	ArgJSON  string

	// EventTurnEnd
	EndReason string

	// EventUsage
	InputTokens  int
	OutputTokens int
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates message parts.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ToolCall is a completed call request issued by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult feeds a tool outcome back to the model, matched by ID.
type ToolResult struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Part is one content block of a message.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// Message is one reconstructed conversation entry.
type Message struct {
	Role  Role
	Parts []Part
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// Request represents a single model turn.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Provider streams model output events for a request. Complete is the
// non-streaming path used for condensation prompts.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (string, error)
}
