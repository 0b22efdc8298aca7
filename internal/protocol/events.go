package protocol

import (
	"encoding/json"
	"time"
)

// EventType identifies what an adapter event carries.
type EventType string

const (
	// EventStateChanged reports a working-state transition.
	EventStateChanged EventType = "state_changed"
	// EventMessage carries a complete conversation message.
	EventMessage EventType = "message"
	// EventToolResult carries the output of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventError reports a protocol, parse, or agent-side error.
	EventError EventType = "error"
	// EventCompleted marks the end of an agent turn.
	EventCompleted EventType = "completed"
	// EventFrame is the raw frame passthrough for debugging consumers.
	EventFrame EventType = "frame"
	// EventProcessExit reports the subprocess terminating.
	EventProcessExit EventType = "process_exit"
)

// ToolInvocation is a tool call extracted from assistant message content.
type ToolInvocation struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Event is one observation from the agent session. Only the fields
// relevant to its Type are populated.
type Event struct {
	Type         EventType
	WorkingState string
	Role         string
	Text         string
	Tool         *ToolInvocation
	ToolUseID    string
	Err          string
	Raw          json.RawMessage
	ExitCode     int
	Timestamp    time.Time
}
