package output

import (
	"errors"
	"testing"
)

func TestParse_InitLine(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc123"}`)

	events, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != TypeInit {
		t.Errorf("Expected init event, got %s", ev.Type)
	}
	if ev.Init.SessionID != "abc123" {
		t.Errorf("Expected session_id abc123, got %s", ev.Init.SessionID)
	}
	if ev.Init.Timestamp.IsZero() {
		t.Error("Init timestamp should be set")
	}
}

func TestParse_InitMissingSessionID(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init"}`)

	_, err := Parse(line)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ParseError, got %v", err)
	}
}

func TestParse_AssistantText(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`)

	events, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	msg := events[0].Message
	if msg == nil || msg.Role != "assistant" {
		t.Fatalf("Expected assistant message, got %+v", events[0])
	}
	if len(msg.Content) != 1 || msg.Content[0].Text != "hello" {
		t.Errorf("Unexpected content: %+v", msg.Content)
	}
}

func TestParse_AssistantWithToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"writing file"},` +
		`{"type":"tool_use","name":"Write","input":{"path":"hello.txt"}}]}}`)

	events, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected message + tool_invocation, got %d events", len(events))
	}
	if events[0].Type != TypeMessage {
		t.Errorf("Expected message first, got %s", events[0].Type)
	}
	if events[1].Type != TypeToolInvocation {
		t.Fatalf("Expected tool_invocation second, got %s", events[1].Type)
	}
	if events[1].ToolInvocation.Name != "Write" {
		t.Errorf("Expected tool name Write, got %s", events[1].ToolInvocation.Name)
	}
}

func TestParse_ToolResultOnly(t *testing.T) {
	line := []byte(`{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","content":"wrote 12 bytes"}]}}`)

	events, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	// Pure tool traffic: no message event, just the result.
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Type != TypeToolResult {
		t.Errorf("Expected tool_result, got %s", events[0].Type)
	}
}

func TestParse_ResultLine(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","duration_ms":1500,"is_error":false}`)

	events, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != TypeTerminal {
		t.Fatalf("Expected terminal event, got %+v", events)
	}
	term := events[0].Terminal
	if term.Status != "success" {
		t.Errorf("Expected success, got %s", term.Status)
	}
	if term.DurationMS != 1500 {
		t.Errorf("Expected 1500ms, got %d", term.DurationMS)
	}
}

func TestParse_ResultError(t *testing.T) {
	line := []byte(`{"type":"result","is_error":true,"duration_ms":10}`)

	events, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if events[0].Terminal.Status != "error" {
		t.Errorf("Expected error status, got %s", events[0].Terminal.Status)
	}
}

func TestParse_MalformedLine(t *testing.T) {
	_, err := Parse([]byte(`{"type":"assistant","message":`))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ParseError for truncated JSON, got %v", err)
	}
}

func TestParse_UnknownTypeSkipped(t *testing.T) {
	events, err := Parse([]byte(`{"type":"progress","pct":40}`))
	if err != nil {
		t.Fatalf("Unknown record kinds should not error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
}
