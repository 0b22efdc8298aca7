package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// frameSink captures frames the adapter writes to the agent's stdin.
type frameSink struct {
	mu     sync.Mutex
	lines  [][]byte
	closed bool
}

func (s *frameSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("sink closed")
	}
	s.lines = append(s.lines, append([]byte(nil), p...))
	return len(p), nil
}

func (s *frameSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *frameSink) frames(t *testing.T) []Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, 0, len(s.lines))
	for _, line := range s.lines {
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			t.Fatalf("sink holds invalid frame %q: %v", line, err)
		}
		out = append(out, f)
	}
	return out
}

func (s *frameSink) waitFrames(t *testing.T, n int) []Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := s.frames(t); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outbound frames, have %d", n, len(s.frames(t)))
	return nil
}

// newActiveAdapter wires an adapter to a fake stdin without spawning a
// process, so tests can drive handleLine directly.
func newActiveAdapter(opts Options) (*Adapter, *frameSink) {
	a := New(opts)
	sink := &frameSink{}
	a.stdin = sink
	a.state = StateActive
	return a, sink
}

func responseLine(t *testing.T, id string, result interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	line, err := json.Marshal(Frame{
		ProtocolVersion: Version,
		Type:            FrameResponse,
		ID:              id,
		Result:          raw,
	})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return line
}

func notificationLine(t *testing.T, kind string, params interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	line, err := json.Marshal(Frame{
		ProtocolVersion: Version,
		Type:            FrameNotification,
		Notification:    kind,
		Params:          raw,
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return line
}

func messageLine(t *testing.T, role, text string) []byte {
	t.Helper()
	var p messageParams
	p.Message.Role = role
	p.Message.Content = []ContentBlock{{Type: "text", Text: text}}
	return notificationLine(t, NotifyNewMessage, p)
}

func TestRequestResponseCorrelation(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	type outcome struct {
		raw json.RawMessage
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)
	go func() {
		raw, err := a.request(context.Background(), "probe_one", nil)
		first <- outcome{raw, err}
	}()
	go func() {
		raw, err := a.request(context.Background(), "probe_two", nil)
		second <- outcome{raw, err}
	}()

	frames := sink.waitFrames(t, 2)
	byMethod := make(map[string]string)
	for _, f := range frames {
		if f.Type != FrameRequest {
			t.Fatalf("expected request frame, got %s", f.Type)
		}
		if f.ID == "" {
			t.Fatal("request frame missing id")
		}
		byMethod[f.Method] = f.ID
	}
	if byMethod["probe_one"] == byMethod["probe_two"] {
		t.Fatalf("requests share id %q", byMethod["probe_one"])
	}

	// Answer in reverse order; each caller must still get its own result.
	a.handleLine(responseLine(t, byMethod["probe_two"], map[string]string{"for": "two"}))
	a.handleLine(responseLine(t, byMethod["probe_one"], map[string]string{"for": "one"}))

	check := func(ch chan outcome, want string) {
		select {
		case got := <-ch:
			if got.err != nil {
				t.Fatalf("request failed: %v", got.err)
			}
			if !strings.Contains(string(got.raw), want) {
				t.Errorf("result %s does not contain %q", got.raw, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("request never resolved")
		}
	}
	check(first, `"one"`)
	check(second, `"two"`)
}

func TestUnmatchedResponseDropped(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	a.handleLine(responseLine(t, "999", map[string]string{"stale": "yes"}))

	// The session must still serve requests after a stale response.
	done := make(chan error, 1)
	go func() {
		_, err := a.request(context.Background(), "probe", nil)
		done <- err
	}()
	frames := sink.waitFrames(t, 1)
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("request after stale response failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved")
	}
}

func TestRequestTimeout(t *testing.T) {
	a, _ := newActiveAdapter(Options{RequestTimeout: 20 * time.Millisecond})

	_, err := a.request(context.Background(), "probe", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	a.mu.Lock()
	remaining := len(a.pending)
	a.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected pending table drained, %d entries remain", remaining)
	}
}

func TestCompletionDeferredUntilAssistantMessage(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	done := make(chan error, 1)
	go func() {
		done <- a.SendPrompt(context.Background(), "build the parser")
	}()

	frames := sink.waitFrames(t, 1)
	if frames[0].Method != MethodAddUserMessage {
		t.Fatalf("expected %s, got %s", MethodAddUserMessage, frames[0].Method)
	}
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))

	a.handleLine(notificationLine(t, NotifyWorkingState, workingStateParams{State: WorkingStateStreaming}))
	a.handleLine(notificationLine(t, NotifyWorkingState, workingStateParams{State: WorkingStateIdle}))

	// Idle arrived mid-stream: the turn must not complete yet.
	select {
	case err := <-done:
		t.Fatalf("prompt completed before assistant message: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	a.handleLine(messageLine(t, "assistant", "done"))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("prompt failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never completed")
	}

	completed := 0
	for {
		select {
		case e := <-a.events:
			if e.Type == EventCompleted {
				completed++
			}
			continue
		default:
		}
		break
	}
	if completed != 1 {
		t.Errorf("expected exactly one completion event, got %d", completed)
	}
}

func TestIdleWithoutStreamingCompletes(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	done := make(chan error, 1)
	go func() {
		done <- a.SendPrompt(context.Background(), "quick check")
	}()

	frames := sink.waitFrames(t, 1)
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))
	a.handleLine(messageLine(t, "assistant", "nothing to do"))
	a.handleLine(notificationLine(t, NotifyWorkingState, workingStateParams{State: WorkingStateIdle}))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("prompt failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never completed")
	}
}

func TestPromptDeadline(t *testing.T) {
	a, sink := newActiveAdapter(Options{PromptDeadline: 30 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- a.SendPrompt(context.Background(), "never finishes")
	}()
	frames := sink.waitFrames(t, 1)
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))

	select {
	case err := <-done:
		if !errors.Is(err, ErrPromptTimeout) {
			t.Fatalf("expected ErrPromptTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never timed out")
	}
}

func TestProcessExitFailsTurn(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	done := make(chan error, 1)
	go func() {
		done <- a.SendPrompt(context.Background(), "doomed turn")
	}()
	frames := sink.waitFrames(t, 1)
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))

	// The process dies after acknowledging the prompt. The turn must fail
	// now, not when the prompt deadline expires.
	a.handleProcessExit(1)

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "exited") {
			t.Fatalf("expected process exit to fail the turn, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not fail on process exit")
	}
	if got := a.State(); got != StateStopped {
		t.Errorf("expected stopped state, got %s", got)
	}
}

func TestAgentErrorFailsTurn(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	done := make(chan error, 1)
	go func() {
		done <- a.SendPrompt(context.Background(), "risky change")
	}()
	frames := sink.waitFrames(t, 1)
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))
	a.handleLine(notificationLine(t, NotifyError, errorParams{Message: "context window exhausted"}))

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "context window exhausted") {
			t.Fatalf("expected agent error surfaced, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never failed")
	}
}

func TestPermissionDecisions(t *testing.T) {
	permissionFrame := func(t *testing.T, id string) []byte {
		t.Helper()
		params, _ := json.Marshal(permissionParams{ToolUseID: "tu1", ToolName: "bash"})
		line, err := json.Marshal(Frame{
			ProtocolVersion: Version,
			Type:            FrameRequest,
			Method:          MethodRequestPermission,
			ID:              id,
			Params:          params,
		})
		if err != nil {
			t.Fatalf("marshal permission frame: %v", err)
		}
		return line
	}

	decisionOf := func(t *testing.T, f Frame) PermissionDecision {
		t.Helper()
		var res permissionResult
		if err := json.Unmarshal(f.Result, &res); err != nil {
			t.Fatalf("decode permission result: %v", err)
		}
		return res.Decision
	}

	cases := []struct {
		name    string
		handler PermissionHandler
		want    PermissionDecision
	}{
		{"default approves once", nil, DecisionProceedOnce},
		{
			"handler decision honored",
			func(PermissionRequest) (PermissionDecision, error) { return DecisionProceedAlways, nil },
			DecisionProceedAlways,
		},
		{
			"handler error cancels",
			func(PermissionRequest) (PermissionDecision, error) { return "", errors.New("no policy") },
			DecisionCancel,
		},
		{
			"handler panic cancels",
			func(PermissionRequest) (PermissionDecision, error) { panic("broken handler") },
			DecisionCancel,
		},
		{
			"unknown decision cancels",
			func(PermissionRequest) (PermissionDecision, error) { return "maybe", nil },
			DecisionCancel,
		},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, sink := newActiveAdapter(Options{Permissions: tc.handler})
			id := fmt.Sprintf("perm-%d", i)
			a.handleLine(permissionFrame(t, id))

			frames := sink.waitFrames(t, 1)
			if frames[0].Type != FrameResponse || frames[0].ID != id {
				t.Fatalf("expected response to %s, got %+v", id, frames[0])
			}
			if got := decisionOf(t, frames[0]); got != tc.want {
				t.Errorf("expected decision %q, got %q", tc.want, got)
			}
		})
	}
}

func TestMalformedLineSurvives(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	a.handleLine([]byte(`{"type": "notification", "notifica`))

	sawParseError := false
	for {
		select {
		case e := <-a.events:
			if e.Type == EventError && strings.Contains(e.Err, "parse frame") {
				sawParseError = true
			}
			continue
		default:
		}
		break
	}
	if !sawParseError {
		t.Error("expected a parse error event")
	}

	// The channel stays usable for well-formed frames.
	done := make(chan error, 1)
	go func() {
		_, err := a.request(context.Background(), "probe", nil)
		done <- err
	}()
	frames := sink.waitFrames(t, 1)
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("request after malformed line failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved")
	}
}

func TestStopRejectsPendingAndIsIdempotent(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	done := make(chan error, 1)
	go func() {
		_, err := a.request(context.Background(), "probe", nil)
		done <- err
	}()
	sink.waitFrames(t, 1)

	if err := a.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never rejected")
	}

	if got := a.State(); got != StateStopped {
		t.Errorf("expected stopped state, got %s", got)
	}
	if err := a.SendPrompt(context.Background(), "late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after stop, got %v", err)
	}
}

func TestSendPromptRequiresStart(t *testing.T) {
	a := New(Options{})
	if err := a.SendPrompt(context.Background(), "too early"); !errors.Is(err, ErrSessionNotStarted) {
		t.Errorf("expected ErrSessionNotStarted, got %v", err)
	}
}

func TestStartRequiresModel(t *testing.T) {
	a := New(Options{})
	if _, err := a.Start(context.Background(), StartOptions{}); !errors.Is(err, ErrModelRequired) {
		t.Errorf("expected ErrModelRequired, got %v", err)
	}
	if got := a.State(); got != StateNotStarted {
		t.Errorf("expected state unchanged, got %s", got)
	}
}

func TestFireAndForgetSettingsResponseDropped(t *testing.T) {
	a, sink := newActiveAdapter(Options{})

	if err := a.UpdateSettings(map[string]interface{}{"model": "sonnet-4"}); err != nil {
		t.Fatalf("update settings failed: %v", err)
	}
	frames := sink.waitFrames(t, 1)
	if frames[0].Method != MethodUpdateSettings {
		t.Fatalf("expected %s frame, got %s", MethodUpdateSettings, frames[0].Method)
	}

	// A late response to a fire-and-forget request has no pending entry.
	a.handleLine(responseLine(t, frames[0].ID, map[string]bool{"ok": true}))
	a.mu.Lock()
	remaining := len(a.pending)
	a.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected empty pending table, %d entries remain", remaining)
	}
}

func TestMatchModel(t *testing.T) {
	available := []string{
		"claude-opus-4-20250514",
		"claude-sonnet-4-20250514",
		"claude-3-5-haiku-20241022",
	}

	cases := []struct {
		requested string
		want      string
	}{
		{"claude-sonnet-4-20250514", "claude-sonnet-4-20250514"},
		{"sonnet-4", "claude-sonnet-4-20250514"},
		{"Claude_Sonnet-4-20250514", "claude-sonnet-4-20250514"},
		{"opus-4", "claude-opus-4-20250514"},
		{"haiku", "claude-3-5-haiku-20241022"},
		{"gpt-5", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := MatchModel(tc.requested, available); got != tc.want {
			t.Errorf("MatchModel(%q) = %q, want %q", tc.requested, got, tc.want)
		}
	}
}
