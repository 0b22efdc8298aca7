// Package stream runs an agent subprocess in streaming mode: no
// handshake, newline-delimited JSON events on stdout, user messages
// written straight to stdin.
package stream

import (
	"bytes"
	"encoding/json"
)

// EventType identifies one streaming observation.
type EventType string

const (
	// TextDelta is an incremental chunk of assistant text.
	TextDelta EventType = "text_delta"
	// ThinkingDelta is an incremental chunk of reasoning text.
	ThinkingDelta EventType = "thinking_delta"
	// ToolStart announces a tool invocation beginning.
	ToolStart EventType = "tool_start"
	// ToolInputDelta is an incremental chunk of tool input JSON.
	ToolInputDelta EventType = "tool_input_delta"
	// ToolResult carries a completed tool invocation's output.
	ToolResult EventType = "tool_result"
	// Usage reports token consumption.
	Usage EventType = "usage"
	// SessionID reports the session identifier assigned by the agent.
	SessionID EventType = "session_id"
	// Raw is the fallback for lines with no structured mapping.
	Raw EventType = "raw"
)

// Event is one decoded streaming observation.
type Event struct {
	Type         EventType
	Text         string
	ToolID       string
	ToolName     string
	SessionID    string
	InputTokens  int
	OutputTokens int
	Raw          json.RawMessage
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamLine struct {
	Type         string `json:"type"`
	Subtype      string `json:"subtype,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta,omitempty"`
	Message *struct {
		Content []contentBlock `json:"content"`
		Usage   *usagePayload  `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Usage *usagePayload `json:"usage,omitempty"`
}

// Decoder turns arbitrary byte chunks into complete decoded events,
// holding any trailing partial line until the rest arrives.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk and returns the events decoded from every
// complete line now available. A trailing fragment without its newline
// stays buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		events = append(events, decodeLine(append([]byte(nil), line...))...)
	}
	return events
}

// Flush decodes whatever remains in the buffer as a final line. Call it
// once, after the stream has ended.
func (d *Decoder) Flush() []Event {
	line := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(line) == 0 {
		return nil
	}
	return decodeLine(line)
}

func decodeLine(line []byte) []Event {
	var parsed streamLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return []Event{{Type: Raw, Raw: line}}
	}

	var events []Event
	switch parsed.Type {
	case "system":
		if parsed.SessionID != "" {
			events = append(events, Event{Type: SessionID, SessionID: parsed.SessionID})
		}
	case "content_block_start":
		if cb := parsed.ContentBlock; cb != nil && cb.Type == "tool_use" {
			events = append(events, Event{Type: ToolStart, ToolID: cb.ID, ToolName: cb.Name})
		}
	case "content_block_delta":
		if d := parsed.Delta; d != nil {
			switch d.Type {
			case "text_delta":
				events = append(events, Event{Type: TextDelta, Text: d.Text})
			case "thinking_delta":
				events = append(events, Event{Type: ThinkingDelta, Text: d.Thinking})
			case "input_json_delta":
				events = append(events, Event{Type: ToolInputDelta, Text: d.PartialJSON})
			}
		}
	case "assistant":
		if parsed.Message != nil {
			for _, cb := range parsed.Message.Content {
				switch cb.Type {
				case "text":
					if cb.Text != "" {
						events = append(events, Event{Type: TextDelta, Text: cb.Text})
					}
				case "thinking":
					if cb.Thinking != "" {
						events = append(events, Event{Type: ThinkingDelta, Text: cb.Thinking})
					}
				case "tool_use":
					events = append(events, Event{Type: ToolStart, ToolID: cb.ID, ToolName: cb.Name})
				}
			}
			if u := parsed.Message.Usage; u != nil {
				events = append(events, Event{Type: Usage, InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
			}
		}
	case "user":
		if parsed.Message != nil {
			for _, cb := range parsed.Message.Content {
				if cb.Type == "tool_result" {
					events = append(events, Event{Type: ToolResult, ToolID: cb.ToolUseID, Text: flattenResult(cb.Content)})
				}
			}
		}
	case "result":
		if u := parsed.Usage; u != nil {
			events = append(events, Event{Type: Usage, InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
		}
		if parsed.SessionID != "" {
			events = append(events, Event{Type: SessionID, SessionID: parsed.SessionID})
		}
	}

	if len(events) == 0 {
		return []Event{{Type: Raw, Raw: line}}
	}
	return events
}

// flattenResult extracts readable text from a tool result body, which may
// be a bare string or a list of content blocks.
func flattenResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out []byte
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				if len(out) > 0 {
					out = append(out, '\n')
				}
				out = append(out, b.Text...)
			}
		}
		return string(out)
	}
	return string(raw)
}
