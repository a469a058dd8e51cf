package output

import (
	"encoding/json"
	"time"
)

// Type identifies an event variant. The set is closed: workers may emit
// other record kinds on the wire, but everything stored in a buffer is
// one of these five.
type Type string

const (
	TypeInit           Type = "init"
	TypeMessage        Type = "message"
	TypeToolInvocation Type = "tool_invocation"
	TypeToolResult     Type = "tool_result"
	TypeTerminal       Type = "terminal"
)

// Init is emitted once the worker's agent is ready. SessionID is the
// worker's own conversation id, used as the resume token on later sends.
type Init struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ContentBlock is one piece of message content, either plain text or
// structured data (thinking blocks and the like).
type ContentBlock struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a conversational turn from the worker.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolInvocation records the worker calling a tool.
type ToolInvocation struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult carries a tool's output back into the transcript.
type ToolResult struct {
	Output json.RawMessage `json:"output"`
}

// Terminal marks the end of one execution. Status is "success" or
// "error".
type Terminal struct {
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// Event is a tagged union over the five variants. Exactly one payload
// field is non-nil, matching Type. Events are immutable once built.
type Event struct {
	Type           Type            `json:"type"`
	Init           *Init           `json:"init,omitempty"`
	Message        *Message        `json:"message,omitempty"`
	ToolInvocation *ToolInvocation `json:"tool_invocation,omitempty"`
	ToolResult     *ToolResult     `json:"tool_result,omitempty"`
	Terminal       *Terminal       `json:"terminal,omitempty"`
}

// Payload returns the variant payload for wire serialization, where each
// event is written as a named record carrying only its own fields.
func (e Event) Payload() any {
	switch e.Type {
	case TypeInit:
		return e.Init
	case TypeMessage:
		return e.Message
	case TypeToolInvocation:
		return e.ToolInvocation
	case TypeToolResult:
		return e.ToolResult
	case TypeTerminal:
		return e.Terminal
	}
	return nil
}

// size approximates the serialized footprint of the event, used by
// Snapshot's byte budget.
func (e Event) size() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}
