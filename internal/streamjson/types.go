// Package streamjson implements the ChildProcess driver for the Stream-JSON
// wire protocol: the line-delimited streaming-event format used by the
// "claude" provider.
package streamjson

import "encoding/json"

// Top-level message type discriminators.
const (
	TypeSystem      = "system"
	TypeAssistant   = "assistant"
	TypeUser        = "user"
	TypeStreamEvent = "stream_event"
	TypeResult      = "result"
)

// Content-block delta discriminators carried by stream_event messages.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// CLIMessage is the outer envelope of every line on a Stream-JSON child's
// stdout. The Type field determines which of the remaining fields are
// populated.
type CLIMessage struct {
	Type string `json:"type"`

	// type="system"
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// type="assistant" | "user"
	Message *Message `json:"message,omitempty"`

	// type="stream_event"
	Event *StreamEvent `json:"event,omitempty"`

	// type="result"
	Result json.RawMessage `json:"result,omitempty"`
}

// Message is a complete assistant or user turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one element of a Message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	// type="text"
	Text string `json:"text,omitempty"`

	// type="tool_use"
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// type="tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// StreamEvent carries one incremental content-block event.
type StreamEvent struct {
	Type  string `json:"type"` // content_block_start | content_block_delta | content_block_stop | message_delta
	Index int    `json:"index,omitempty"`

	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
}

// Delta is the payload of a content_block_delta or message_delta event.
type Delta struct {
	Type string `json:"type,omitempty"` // text_delta | thinking_delta | input_json_delta

	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta
	StopReason string `json:"stop_reason,omitempty"`
}

// ResultData is the parsed shape of a "result" message's Result field when
// it carries structured completion data rather than a bare string.
type ResultData struct {
	Text string `json:"text,omitempty"`
}

// OutboundUserTurn is the one line the driver writes per prompt call.
type OutboundUserTurn struct {
	Type      string       `json:"type"`
	Message   OutboundBody `json:"message"`
	SessionID string       `json:"session_id,omitempty"`
}

// OutboundBody is the message body of an OutboundUserTurn.
type OutboundBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}
