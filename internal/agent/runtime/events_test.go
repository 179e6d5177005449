package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		check func(t *testing.T, ev StreamEvent)
	}{
		{
			name: "ready",
			line: `{"type":"ready","session_id":"ext-99"}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventSessionReady, ev.Kind)
				require.NotNil(t, ev.Ready)
				assert.Equal(t, "ext-99", ev.Ready.ExternalSessionID)
			},
		},
		{
			name: "text",
			line: `{"type":"text","text":"hello"}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventText, ev.Kind)
				require.NotNil(t, ev.Text)
				assert.Equal(t, "hello", ev.Text.Text)
			},
		},
		{
			name: "thinking",
			line: `{"type":"thinking","text":"hmm"}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventThinking, ev.Kind)
				require.NotNil(t, ev.Thinking)
				assert.Equal(t, "hmm", ev.Thinking.Text)
			},
		},
		{
			name: "tool use",
			line: `{"type":"tool_use","tool_id":"t1","tool_name":"read_file","input":{"path":"main.go"}}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventToolUse, ev.Kind)
				require.NotNil(t, ev.ToolUse)
				assert.Equal(t, "t1", ev.ToolUse.ToolID)
				assert.Equal(t, "read_file", ev.ToolUse.Name)
				assert.JSONEq(t, `{"path":"main.go"}`, string(ev.ToolUse.Input))
			},
		},
		{
			name: "tool result",
			line: `{"type":"tool_result","tool_id":"t1","content":"ok","is_error":false}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventToolResult, ev.Kind)
				require.NotNil(t, ev.ToolResult)
				assert.Equal(t, "t1", ev.ToolResult.ToolID)
				assert.False(t, ev.ToolResult.IsError)
			},
		},
		{
			name: "permission request",
			line: `{"type":"permission_request","request_id":"p1","tool_name":"bash"}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventPermissionRequest, ev.Kind)
				require.NotNil(t, ev.Permission)
				assert.Equal(t, "p1", ev.Permission.RequestID)
				assert.Equal(t, "bash", ev.Permission.ToolName)
			},
		},
		{
			name: "recoverable error",
			line: `{"type":"error","message":"rate limited","recoverable":true}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventError, ev.Kind)
				require.NotNil(t, ev.Error)
				assert.Equal(t, "rate limited", ev.Error.Message)
				assert.False(t, ev.IsTerminal())
			},
		},
		{
			name: "fatal error",
			line: `{"type":"error","message":"process died"}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventError, ev.Kind)
				assert.True(t, ev.IsTerminal())
			},
		},
		{
			name: "done",
			line: `{"type":"done","turns":3,"tool_uses":5}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventDone, ev.Kind)
				require.NotNil(t, ev.Done)
				assert.Equal(t, 3, ev.Done.Turns)
				assert.Equal(t, 5, ev.Done.ToolUses)
				assert.True(t, ev.IsTerminal())
			},
		},
		{
			name: "cancelled",
			line: `{"type":"cancelled"}`,
			check: func(t *testing.T, ev StreamEvent) {
				assert.Equal(t, EventCancelled, ev.Kind)
				assert.True(t, ev.IsTerminal())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.line))
			require.NoError(t, err)
			assert.False(t, ev.Timestamp.IsZero())
			tt.check(t, ev)
		})
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"telemetry"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry")
}

func TestDecodeEventMalformedLine(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":`))
	assert.Error(t, err)
}
