package stream

import "testing"

func TestDecoderSplitAcrossChunks(t *testing.T) {
	var d Decoder

	events := d.Feed([]byte(`{"type":"content_block_delta","delta":{"type":"text_del`))
	if len(events) != 0 {
		t.Fatalf("expected no events from a partial line, got %v", events)
	}

	events = d.Feed([]byte(`ta","text":"hello"}}` + "\n"))
	if len(events) != 1 || events[0].Type != TextDelta || events[0].Text != "hello" {
		t.Fatalf("expected one hello text delta, got %v", events)
	}
}

func TestDecoderMultipleLinesOneChunk(t *testing.T) {
	var d Decoder

	chunk := []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"a"}}` + "\n" +
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"b"}}` + "\n" +
		`{"type":"content_block_start","content_block":{"type":"tool_use","id":"t1","name":"bash"}}` + "\n")

	events := d.Feed(chunk)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}
	if events[0].Type != TextDelta || events[0].Text != "a" {
		t.Errorf("event 0: got %v", events[0])
	}
	if events[1].Type != ThinkingDelta || events[1].Text != "b" {
		t.Errorf("event 1: got %v", events[1])
	}
	if events[2].Type != ToolStart || events[2].ToolID != "t1" || events[2].ToolName != "bash" {
		t.Errorf("event 2: got %v", events[2])
	}
}

func TestDecoderAssistantMessage(t *testing.T) {
	var d Decoder

	line := []byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"done"},` +
		`{"type":"tool_use","id":"t2","name":"edit"}],` +
		`"usage":{"input_tokens":10,"output_tokens":4}}}` + "\n")

	events := d.Feed(line)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", events)
	}
	if events[0].Type != TextDelta || events[0].Text != "done" {
		t.Errorf("expected text event, got %v", events[0])
	}
	if events[1].Type != ToolStart || events[1].ToolName != "edit" {
		t.Errorf("expected tool start, got %v", events[1])
	}
	if events[2].Type != Usage || events[2].InputTokens != 10 || events[2].OutputTokens != 4 {
		t.Errorf("expected usage event, got %v", events[2])
	}
}

func TestDecoderToolResult(t *testing.T) {
	var d Decoder

	events := d.Feed([]byte(`{"type":"user","message":{"content":[` +
		`{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}` + "\n"))
	if len(events) != 1 || events[0].Type != ToolResult || events[0].ToolID != "t1" || events[0].Text != "ok" {
		t.Fatalf("expected tool result, got %v", events)
	}

	// Block-list result bodies flatten to their text parts.
	events = d.Feed([]byte(`{"type":"user","message":{"content":[` +
		`{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"line"}]}]}}` + "\n"))
	if len(events) != 1 || events[0].Text != "line" {
		t.Fatalf("expected flattened result text, got %v", events)
	}
}

func TestDecoderSessionID(t *testing.T) {
	var d Decoder

	events := d.Feed([]byte(`{"type":"system","subtype":"init","session_id":"sess-42"}` + "\n"))
	if len(events) != 1 || events[0].Type != SessionID || events[0].SessionID != "sess-42" {
		t.Fatalf("expected session id event, got %v", events)
	}
}

func TestDecoderMalformedLineBecomesRaw(t *testing.T) {
	var d Decoder

	events := d.Feed([]byte("not json at all\n"))
	if len(events) != 1 || events[0].Type != Raw {
		t.Fatalf("expected raw event, got %v", events)
	}
	if string(events[0].Raw) != "not json at all" {
		t.Errorf("raw payload lost: %q", events[0].Raw)
	}
}

func TestDecoderFlush(t *testing.T) {
	var d Decoder

	if events := d.Feed([]byte(`{"type":"system","session_id":"tail"}`)); len(events) != 0 {
		t.Fatalf("unterminated line must stay buffered, got %v", events)
	}
	events := d.Flush()
	if len(events) != 1 || events[0].Type != SessionID || events[0].SessionID != "tail" {
		t.Fatalf("expected flushed session id, got %v", events)
	}
	if events = d.Flush(); len(events) != 0 {
		t.Errorf("second flush must be empty, got %v", events)
	}
}
