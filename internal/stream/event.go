// Package stream interprets the line-oriented JSON output of a coding
// agent. Each line decodes into one or more Events, a closed set of
// variants; a Processor folds events in emission order into the facts a
// run cares about: PR links, nudges, plan text, iteration count and
// whether the completion marker was seen.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an Event variant. The string is also the "type" of the
// persisted line.
type Kind string

const (
	KindMessage           Kind = "message"
	KindAssistant         Kind = "assistant"
	KindContentBlockStart Kind = "content_block_start"
	KindContentBlockDelta Kind = "content_block_delta"
	KindToolResult        Kind = "tool_result"
	KindResult            Kind = "result"
	KindNudge             Kind = "nudge"
)

// Event is one entry of a run's stream. The concrete type is always one of
// the variants declared in this file.
type Event interface {
	Kind() Kind
	event()
}

// Message is a plain chat message (usually the prompt echoed back).
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Assistant is a complete assistant turn.
type Assistant struct {
	Model  string         `json:"model,omitempty"`
	Blocks []ContentBlock `json:"blocks"`
}

// ContentBlock is one block of an assistant turn.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// ContentBlockStart opens a streamed block.
type ContentBlockStart struct {
	Index int          `json:"index"`
	Block ContentBlock `json:"block"`
}

// ContentBlockDelta carries an increment of a streamed block. Thinking
// marks increments of the agent's reasoning rather than its reply.
type ContentBlockDelta struct {
	Index       int    `json:"index"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    bool   `json:"thinking,omitempty"`
}

// ToolResult is the output of a tool call. IsError marks failed calls,
// including proxied host tools that exited non-zero.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Result closes one agent invocation.
type Result struct {
	Subtype    string  `json:"subtype"`
	Text       string  `json:"text"`
	IsError    bool    `json:"is_error,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
}

// Nudge is a message an operator injected into a running session.
type Nudge struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func (Message) Kind() Kind           { return KindMessage }
func (Assistant) Kind() Kind         { return KindAssistant }
func (ContentBlockStart) Kind() Kind { return KindContentBlockStart }
func (ContentBlockDelta) Kind() Kind { return KindContentBlockDelta }
func (ToolResult) Kind() Kind        { return KindToolResult }
func (Result) Kind() Kind            { return KindResult }
func (Nudge) Kind() Kind             { return KindNudge }

func (Message) event()           {}
func (Assistant) event()         {}
func (ContentBlockStart) event() {}
func (ContentBlockDelta) event() {}
func (ToolResult) event()        {}
func (Result) event()            {}
func (Nudge) event()             {}

// Record is an event as persisted: its position in the run, when it was
// observed, and its normalized JSON encoding.
type Record struct {
	Seq  int64           `json:"seq"`
	At   time.Time       `json:"at"`
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode produces the persisted form of ev.
func Encode(seq int64, at time.Time, ev Event) (Record, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Record{}, err
	}
	return Record{Seq: seq, At: at, Kind: ev.Kind(), Data: data}, nil
}

// Decode restores the event held by a Record.
func (r Record) Decode() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch r.Kind {
	case KindMessage:
		var v Message
		err = json.Unmarshal(r.Data, &v)
		ev = v
	case KindAssistant:
		var v Assistant
		err = json.Unmarshal(r.Data, &v)
		ev = v
	case KindContentBlockStart:
		var v ContentBlockStart
		err = json.Unmarshal(r.Data, &v)
		ev = v
	case KindContentBlockDelta:
		var v ContentBlockDelta
		err = json.Unmarshal(r.Data, &v)
		ev = v
	case KindToolResult:
		var v ToolResult
		err = json.Unmarshal(r.Data, &v)
		ev = v
	case KindResult:
		var v Result
		err = json.Unmarshal(r.Data, &v)
		ev = v
	case KindNudge:
		var v Nudge
		err = json.Unmarshal(r.Data, &v)
		ev = v
	default:
		return nil, &UnknownKindError{Kind: string(r.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// UnknownKindError reports an event type this package does not model.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown stream event type %q", e.Kind)
}
