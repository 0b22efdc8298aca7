// Package protocol implements the line-delimited JSON session protocol
// spoken with an agent subprocess: request/response correlation,
// asynchronous notifications, permission requests, and the completion
// state machine that detects the end of an agent turn.
package protocol

import "encoding/json"

// Version is the protocol version stamped on every outbound frame.
const Version = 1

// APIVersion is the API version stamped on every outbound frame.
const APIVersion = "1.0"

// FrameType distinguishes the three frame categories on the wire.
type FrameType string

const (
	// FrameRequest expects a response carrying the same id.
	FrameRequest FrameType = "request"
	// FrameResponse answers a request by id with a result or error.
	FrameResponse FrameType = "response"
	// FrameNotification is unsolicited and carries a notification kind.
	FrameNotification FrameType = "notification"
)

// Request methods understood by the agent process.
const (
	// MethodInitializeSession performs the session handshake.
	MethodInitializeSession = "initialize_session"
	// MethodAddUserMessage delivers a user prompt for the next turn.
	MethodAddUserMessage = "add_user_message"
	// MethodUpdateSettings applies a partial settings change.
	MethodUpdateSettings = "update_settings"
	// MethodRequestPermission is sent BY the agent process when it needs
	// approval for an action.
	MethodRequestPermission = "request_permission"
)

// Notification kinds sent by the agent process.
const (
	// NotifyWorkingState announces a working-state transition.
	NotifyWorkingState = "working_state_changed"
	// NotifyNewMessage carries a complete conversation message.
	NotifyNewMessage = "new_message"
	// NotifyToolResult carries the result of a tool invocation.
	NotifyToolResult = "tool_result"
	// NotifyError reports an agent-side error for the current turn.
	NotifyError = "error"
)

// Working states driving the completion machine.
const (
	// WorkingStateIdle means the agent is waiting for input.
	WorkingStateIdle = "idle"
	// WorkingStateStreaming means an assistant message is being produced.
	WorkingStateStreaming = "streaming_assistant_message"
)

// Frame is one newline-delimited JSON protocol message.
type Frame struct {
	ProtocolVersion int             `json:"protocolVersion"`
	APIVersion      string          `json:"apiVersion,omitempty"`
	Type            FrameType       `json:"type"`
	Method          string          `json:"method,omitempty"`
	Notification    string          `json:"notification,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	ID              string          `json:"id,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *FrameError     `json:"error,omitempty"`
}

// FrameError is the error payload of a response frame.
type FrameError struct {
	Message string `json:"message"`
}

// ContentBlock is one element of a message's structured content.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type initializeParams struct {
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	AutonomyLevel    string `json:"autonomyLevel,omitempty"`
	Model            string `json:"model,omitempty"`
}

type initializeResult struct {
	SessionID       string   `json:"sessionId"`
	ModelID         string   `json:"modelId"`
	AvailableModels []string `json:"availableModels,omitempty"`
}

type promptParams struct {
	Text string `json:"text"`
}

type workingStateParams struct {
	State string `json:"state"`
}

type messageParams struct {
	Message struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	} `json:"message"`
}

type toolResultParams struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
}

type errorParams struct {
	Message string `json:"message"`
}

type permissionParams struct {
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type permissionResult struct {
	Decision PermissionDecision `json:"decision"`
}
