package output

import (
	"encoding/json"
	"fmt"
	"time"
)

// ParseError reports a line that could not be turned into events. The
// caller logs it and moves on; a bad line never aborts the session that
// produced it.
type ParseError struct {
	Line []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse output line: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// rawLine is the worker's stream-json framing: one JSON object per line,
// discriminated by "type".
type rawLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Duration  int64           `json:"duration_ms,omitempty"`
}

// rawBlock is one content block inside an assistant or user message.
type rawBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type rawMessage struct {
	Role    string     `json:"role"`
	Content []rawBlock `json:"content"`
}

// Parse converts one raw worker output line into zero or more typed
// events. It is pure: no shared state, no I/O.
//
// A single assistant line can yield several events because tool calls
// arrive as content blocks inside the message; they are split out into
// tool_invocation events following the message itself. Record kinds the
// parser does not know are skipped silently. Lines that are not valid
// JSON, or that are missing required fields, return a *ParseError.
func Parse(line []byte) ([]Event, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &ParseError{Line: line, Err: err}
	}

	switch raw.Type {
	case "system":
		if raw.Subtype != "init" {
			return nil, nil
		}
		if raw.SessionID == "" {
			return nil, &ParseError{Line: line, Err: fmt.Errorf("init record missing session_id")}
		}
		return []Event{{
			Type: TypeInit,
			Init: &Init{SessionID: raw.SessionID, Timestamp: time.Now()},
		}}, nil

	case "assistant", "user":
		var msg rawMessage
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			return nil, &ParseError{Line: line, Err: fmt.Errorf("decode %s message: %w", raw.Type, err)}
		}
		if msg.Role == "" {
			msg.Role = raw.Type
		}
		return splitMessage(msg), nil

	case "result":
		status := "success"
		if raw.IsError || raw.Subtype == "error" {
			status = "error"
		}
		return []Event{{
			Type:     TypeTerminal,
			Terminal: &Terminal{Status: status, DurationMS: raw.Duration},
		}}, nil

	default:
		// Progress records, stderr echoes and future kinds: not ours.
		return nil, nil
	}
}

// splitMessage turns one wire message into a message event plus separate
// tool_invocation/tool_result events for its tool blocks. A message with
// no conversational content (pure tool traffic) produces no message
// event.
func splitMessage(msg rawMessage) []Event {
	var blocks []ContentBlock
	var tools []Event

	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Kind: "text", Text: b.Text})
		case "tool_use":
			tools = append(tools, Event{
				Type:           TypeToolInvocation,
				ToolInvocation: &ToolInvocation{Name: b.Name, Input: b.Input},
			})
		case "tool_result":
			tools = append(tools, Event{
				Type:       TypeToolResult,
				ToolResult: &ToolResult{Output: b.Content},
			})
		default:
			// Structured content (thinking etc.) is kept as data.
			if data, err := json.Marshal(b); err == nil {
				blocks = append(blocks, ContentBlock{Kind: b.Type, Data: data})
			}
		}
	}

	var events []Event
	if len(blocks) > 0 {
		events = append(events, Event{
			Type:    TypeMessage,
			Message: &Message{Role: msg.Role, Content: blocks},
		})
	}
	return append(events, tools...)
}
