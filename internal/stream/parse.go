package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// envelope is the common header of every stream-json line.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

// ParseLine decodes one line of agent output. A line may carry several
// events (a user turn with multiple tool results) or none (system and
// bookkeeping lines). Lines that are not JSON or carry an unknown type
// return an error; callers skip them.
func ParseLine(line []byte) ([]Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("parsing stream-json envelope: %w", err)
	}

	switch env.Type {
	case "system", "rate_limit_event", "control_request", "control_response", "keep_alive":
		return nil, nil

	case "message":
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parsing message: %w", err)
		}
		return messageEvents(msg)

	case "user":
		var wrapped struct {
			Message wireMessage `json:"message"`
		}
		if err := json.Unmarshal(line, &wrapped); err != nil {
			return nil, fmt.Errorf("parsing user message: %w", err)
		}
		if wrapped.Message.Role == "" {
			wrapped.Message.Role = "user"
		}
		return messageEvents(wrapped.Message)

	case "assistant":
		var wrapped struct {
			Message wireMessage `json:"message"`
		}
		if err := json.Unmarshal(line, &wrapped); err != nil {
			return nil, fmt.Errorf("parsing assistant message: %w", err)
		}
		blocks, err := decodeBlocks(wrapped.Message.Content)
		if err != nil {
			return nil, fmt.Errorf("parsing assistant content: %w", err)
		}
		out := Assistant{Model: wrapped.Message.Model}
		for _, b := range blocks {
			out.Blocks = append(out.Blocks, b.normalize())
		}
		return []Event{out}, nil

	case "stream_event":
		var wrapped struct {
			Event json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(line, &wrapped); err != nil {
			return nil, fmt.Errorf("parsing stream_event wrapper: %w", err)
		}
		if len(wrapped.Event) == 0 {
			return nil, fmt.Errorf("stream_event without event")
		}
		var inner envelope
		if err := json.Unmarshal(wrapped.Event, &inner); err != nil {
			return nil, fmt.Errorf("parsing stream_event: %w", err)
		}
		switch inner.Type {
		case "content_block_start", "content_block_delta":
			return ParseLine(wrapped.Event)
		}
		// message_start, message_delta, content_block_stop and friends
		// carry nothing the processor uses.
		return nil, nil

	case "content_block_start":
		var raw struct {
			Index        int       `json:"index"`
			ContentBlock wireBlock `json:"content_block"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("parsing content_block_start: %w", err)
		}
		return []Event{ContentBlockStart{Index: raw.Index, Block: raw.ContentBlock.normalize()}}, nil

	case "content_block_delta":
		var raw struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				Thinking    string `json:"thinking"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("parsing content_block_delta: %w", err)
		}
		delta := ContentBlockDelta{Index: raw.Index, Text: raw.Delta.Text, PartialJSON: raw.Delta.PartialJSON}
		if raw.Delta.Type == "thinking_delta" {
			delta.Text = raw.Delta.Thinking
			delta.Thinking = true
		}
		return []Event{delta}, nil

	case "tool_result":
		var b wireBlock
		if err := json.Unmarshal(line, &b); err != nil {
			return nil, fmt.Errorf("parsing tool_result: %w", err)
		}
		return []Event{ToolResult{ToolUseID: b.ToolUseID, Content: flattenContent(b.Content), IsError: b.IsError}}, nil

	case "result":
		var raw struct {
			Subtype      string  `json:"subtype"`
			Result       string  `json:"result"`
			IsError      bool    `json:"is_error"`
			NumTurns     int     `json:"num_turns"`
			DurationMS   int64   `json:"duration_ms"`
			TotalCostUSD float64 `json:"total_cost_usd"`
			CostUSD      float64 `json:"cost_usd"`
			SessionID    string  `json:"session_id"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("parsing result: %w", err)
		}
		cost := raw.TotalCostUSD
		if cost == 0 {
			cost = raw.CostUSD
		}
		return []Event{Result{
			Subtype:    raw.Subtype,
			Text:       raw.Result,
			IsError:    raw.IsError || (raw.Subtype != "" && raw.Subtype != "success"),
			NumTurns:   raw.NumTurns,
			DurationMS: raw.DurationMS,
			CostUSD:    cost,
			SessionID:  raw.SessionID,
		}}, nil

	case "nudge":
		var raw struct {
			Text      string    `json:"text"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("parsing nudge: %w", err)
		}
		return []Event{Nudge{Text: raw.Text, At: raw.Timestamp}}, nil
	}

	return nil, &UnknownKindError{Kind: env.Type}
}

func messageEvents(msg wireMessage) ([]Event, error) {
	if len(msg.Content) == 0 {
		return nil, nil
	}
	var text string
	if json.Unmarshal(msg.Content, &text) == nil {
		return []Event{Message{Role: msg.Role, Text: text}}, nil
	}
	blocks, err := decodeBlocks(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s content: %w", msg.Role, err)
	}

	var events []Event
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "tool_result":
			events = append(events, ToolResult{ToolUseID: b.ToolUseID, Content: flattenContent(b.Content), IsError: b.IsError})
		case "text":
			texts = append(texts, b.Text)
		}
	}
	if len(texts) > 0 {
		events = append([]Event{Message{Role: msg.Role, Text: strings.Join(texts, "\n")}}, events...)
	}
	return events, nil
}

func decodeBlocks(raw json.RawMessage) ([]wireBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (b wireBlock) normalize() ContentBlock {
	out := ContentBlock{Type: b.Type, Text: b.Text}
	switch b.Type {
	case "thinking":
		out.Text = b.Thinking
	case "tool_use", "server_tool_use":
		out.ToolUseID = b.ID
		out.ToolName = b.Name
		out.ToolInput = b.Input
	case "tool_result":
		out.ToolUseID = b.ToolUseID
		out.Text = flattenContent(b.Content)
	}
	return out
}

// flattenContent turns tool-result content, either a string or a list of
// text blocks, into plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []wireBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" || b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// NudgeLine is the line appended to a run's stream when a nudge is sent.
func NudgeLine(text string, at time.Time) []byte {
	data, _ := json.Marshal(struct {
		Type      string    `json:"type"`
		Text      string    `json:"text"`
		Timestamp time.Time `json:"timestamp"`
	}{"nudge", text, at})
	return data
}
