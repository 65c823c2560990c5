package llm

import (
	"context"
	"encoding/json"
)

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single completion request.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSpec
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolSpec describes a callable tool. The schema is an opaque JSON-schema
// value discovered at runtime; it is passed through to the model untyped.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// FinishReason is the terminal signal from the completion API.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
)

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolCall  EventType = "tool_call"
	EventDone      EventType = "done"
)

// Event represents a streamed output update. Tool-call events carry fully
// assembled calls and are emitted after all text, in the order the model
// issued them. The done event carries the finish reason for the turn.
type Event struct {
	Type   EventType
	Text   string
	Tool   *ToolCall
	Finish FinishReason
}

func SystemText(text string) Message {
	return Message{
		Role:  RoleSystem,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func UserText(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func AssistantText(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func ToolResultMessage(id, name, content string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: content,
			},
		}},
	}
}

// ToolErrorMessage creates a tool result message that indicates an error.
// The error is passed back to the model so it can respond gracefully instead
// of the whole turn failing.
func ToolErrorMessage(id, name, errorText string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: errorText,
				IsError: true,
			},
		}},
	}
}

// TextContent concatenates the text parts of a message.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
