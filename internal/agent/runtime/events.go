package runtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a stream event variant.
type EventKind string

const (
	EventSessionReady      EventKind = "session_ready"
	EventText              EventKind = "text"
	EventThinking          EventKind = "thinking"
	EventToolUse           EventKind = "tool_use"
	EventToolResult        EventKind = "tool_result"
	EventPermissionRequest EventKind = "permission_request"
	EventError             EventKind = "error"
	EventDone              EventKind = "done"
	EventCancelled         EventKind = "cancelled"
	EventGap               EventKind = "gap"
)

// StreamEvent is the tagged union of all events a session can produce.
// Exactly one payload pointer is non-nil for kinds that carry one.
// Seq is assigned by the session service; adapters emit events with Seq 0.
type StreamEvent struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Ready      *ReadyPayload      `json:"ready,omitempty"`
	Text       *TextPayload       `json:"text,omitempty"`
	Thinking   *ThinkingPayload   `json:"thinking,omitempty"`
	ToolUse    *ToolUsePayload    `json:"tool_use,omitempty"`
	ToolResult *ToolResultPayload `json:"tool_result,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Done       *DonePayload       `json:"done,omitempty"`
	Gap        *GapPayload        `json:"gap,omitempty"`
}

// ReadyPayload carries the external runtime's own session identifier,
// used later for resume.
type ReadyPayload struct {
	ExternalSessionID string `json:"external_session_id"`
}

// TextPayload is a streamed assistant token fragment.
type TextPayload struct {
	Text string `json:"text"`
}

// ThinkingPayload is a streamed reasoning fragment.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload announces a tool invocation by the agent.
type ToolUsePayload struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload correlates with a prior ToolUsePayload by tool id.
type ToolResultPayload struct {
	ToolID  string          `json:"tool_id"`
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error"`
}

// PermissionPayload is a request from the agent for a tool permission decision.
type PermissionPayload struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ErrorPayload reports an agent error. Recoverable errors leave the
// session usable; non-recoverable ones force teardown.
type ErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// DonePayload terminates a query and carries aggregate counters.
type DonePayload struct {
	Turns    int `json:"turns"`
	ToolUses int `json:"tool_uses"`
}

// GapPayload marks dropped events in a replay buffer overflow.
type GapPayload struct {
	Dropped int `json:"dropped"`
}

// IsTerminal reports whether the event ends an in-flight query.
func (e StreamEvent) IsTerminal() bool {
	switch e.Kind {
	case EventDone, EventCancelled:
		return true
	case EventError:
		return e.Error != nil && !e.Error.Recoverable
	default:
		return false
	}
}

// wireMessage is the flat newline-delimited JSON shape the agent child
// process writes on stdout.
type wireMessage struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	Text        string          `json:"text,omitempty"`
	ToolID      string          `json:"tool_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Message     string          `json:"message,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
	Turns       int             `json:"turns,omitempty"`
	ToolUses    int             `json:"tool_uses,omitempty"`
}

// DecodeEvent parses one stdout line from the agent process into a
// tagged StreamEvent. Unknown types are an error so protocol drift is
// caught loudly instead of silently dropped.
func DecodeEvent(line []byte) (StreamEvent, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return StreamEvent{}, fmt.Errorf("malformed agent event: %w", err)
	}

	ev := StreamEvent{Timestamp: time.Now().UTC()}
	switch msg.Type {
	case "ready":
		ev.Kind = EventSessionReady
		ev.Ready = &ReadyPayload{ExternalSessionID: msg.SessionID}
	case "text":
		ev.Kind = EventText
		ev.Text = &TextPayload{Text: msg.Text}
	case "thinking":
		ev.Kind = EventThinking
		ev.Thinking = &ThinkingPayload{Text: msg.Text}
	case "tool_use":
		ev.Kind = EventToolUse
		ev.ToolUse = &ToolUsePayload{ToolID: msg.ToolID, Name: msg.ToolName, Input: msg.Input}
	case "tool_result":
		ev.Kind = EventToolResult
		ev.ToolResult = &ToolResultPayload{ToolID: msg.ToolID, Content: msg.Content, IsError: msg.IsError}
	case "permission_request":
		ev.Kind = EventPermissionRequest
		ev.Permission = &PermissionPayload{RequestID: msg.RequestID, ToolName: msg.ToolName, Input: msg.Input}
	case "error":
		ev.Kind = EventError
		ev.Error = &ErrorPayload{Message: msg.Message, Recoverable: msg.Recoverable}
	case "done":
		ev.Kind = EventDone
		ev.Done = &DonePayload{Turns: msg.Turns, ToolUses: msg.ToolUses}
	case "cancelled":
		ev.Kind = EventCancelled
	default:
		return StreamEvent{}, fmt.Errorf("unknown agent event type %q", msg.Type)
	}
	return ev, nil
}
