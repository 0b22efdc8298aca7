package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shardweave/shardweave/pkg/models"
)

// State is the adapter lifecycle position.
type State int

const (
	// StateNotStarted means no subprocess has been spawned yet.
	StateNotStarted State = iota
	// StateStarting means the subprocess is up but the handshake has not
	// finished.
	StateStarting
	// StateActive means the session accepts prompts.
	StateActive
	// StateStopping means shutdown has begun.
	StateStopping
	// StateStopped means the subprocess is gone.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PermissionDecision is the answer to an agent permission request.
type PermissionDecision string

const (
	// DecisionProceedOnce approves this single action.
	DecisionProceedOnce PermissionDecision = "proceed_once"
	// DecisionProceedAlways approves this action and future identical ones.
	DecisionProceedAlways PermissionDecision = "proceed_always"
	// DecisionCancel denies the action.
	DecisionCancel PermissionDecision = "cancel"
)

// PermissionRequest describes an action the agent wants approved.
type PermissionRequest struct {
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
}

// PermissionHandler decides permission requests. A nil handler, a
// returned error, or a panic all resolve to DecisionCancel; the session
// itself always survives.
type PermissionHandler func(PermissionRequest) (PermissionDecision, error)

// Options configures an Adapter. Zero values fall back to defaults.
type Options struct {
	// Binary is the agent executable to spawn. The adapter performs no
	// PATH probing itself; callers resolve and inject the path.
	Binary string
	// PromptDeadline bounds a whole agent turn. Defaults to 5 minutes.
	PromptDeadline time.Duration
	// RequestTimeout bounds a single request/response exchange.
	// Defaults to 30 seconds.
	RequestTimeout time.Duration
	// StartTimeout bounds the session handshake. Defaults to 30 seconds.
	StartTimeout time.Duration
	// Permissions answers inbound permission requests. Nil approves each
	// action once.
	Permissions PermissionHandler
	// DebugLog receives diagnostic lines. Nil discards them.
	DebugLog func(format string, args ...interface{})
	// EventBuffer sizes the event channel. Defaults to 256.
	EventBuffer int
}

// StartOptions configures one session launch.
type StartOptions struct {
	WorkingDir string
	Model      string
	Autonomy   models.Autonomy
	// Timeout overrides Options.StartTimeout when positive.
	Timeout time.Duration
}

// Session holds the identifiers returned by the handshake.
type Session struct {
	ID              string
	ModelID         string
	AvailableModels []string
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Adapter manages one agent subprocess speaking the session protocol.
// All exported methods are safe for concurrent use.
type Adapter struct {
	opts Options

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	session     *Session
	nextID      int64
	pending     map[string]chan pendingResult
	streaming   bool
	idlePending bool

	writeMu sync.Mutex

	turnDone chan struct{}
	turnErr  chan error
	events   chan Event

	ctx     context.Context
	cancel  context.CancelFunc
	readers sync.WaitGroup
	stopped sync.Once
	exited  chan struct{}
}

// New creates an adapter in StateNotStarted.
func New(opts Options) *Adapter {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.PromptDeadline <= 0 {
		opts.PromptDeadline = 5 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.DebugLog == nil {
		opts.DebugLog = func(string, ...interface{}) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:     opts,
		state:    StateNotStarted,
		pending:  make(map[string]chan pendingResult),
		turnDone: make(chan struct{}, 1),
		turnErr:  make(chan error, 1),
		events:   make(chan Event, opts.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Events returns the event stream. Events are dropped when the buffer is
// full rather than blocking the read loop.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Session returns the handshake result, or nil before Start succeeds.
func (a *Adapter) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Start spawns the agent subprocess and performs the session handshake.
// When the agent resolves the requested model to a different id but a
// better catalog match exists, Start pushes a settings update to pin it.
func (a *Adapter) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	if opts.Model == "" {
		return nil, ErrModelRequired
	}

	a.mu.Lock()
	if a.state != StateNotStarted {
		a.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	a.state = StateStarting
	a.mu.Unlock()

	autonomy := opts.Autonomy
	if autonomy == "" {
		autonomy = models.DefaultAutonomy
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--model", opts.Model,
		"--autonomy", string(autonomy),
	}
	cmd := exec.CommandContext(a.ctx, a.opts.Binary, args...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.setState(StateStopped)
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.setState(StateStopped)
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.setState(StateStopped)
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		a.setState(StateStopped)
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.mu.Unlock()

	a.readers.Add(2)
	go a.readFrames(stdout)
	go a.readStderr(stderr)
	go a.waitExit()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.opts.StartTimeout
	}
	reqCtx, cancelReq := context.WithTimeout(ctx, timeout)
	defer cancelReq()

	raw, err := a.request(reqCtx, MethodInitializeSession, initializeParams{
		WorkingDirectory: opts.WorkingDir,
		AutonomyLevel:    string(autonomy),
		Model:            opts.Model,
	})
	if err != nil {
		_ = a.Stop()
		return nil, fmt.Errorf("initialize session: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		_ = a.Stop()
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	session := &Session{
		ID:              init.SessionID,
		ModelID:         init.ModelID,
		AvailableModels: init.AvailableModels,
	}
	if init.ModelID != opts.Model {
		if match := MatchModel(opts.Model, init.AvailableModels); match != "" && match != init.ModelID {
			if err := a.UpdateSettings(map[string]interface{}{"model": match}); err != nil {
				a.opts.DebugLog("[protocol] pin model %s: %v", match, err)
			} else {
				session.ModelID = match
			}
		}
	}

	a.mu.Lock()
	a.session = session
	a.state = StateActive
	a.mu.Unlock()

	return session, nil
}

// SendPrompt delivers a user message and blocks until the turn completes,
// fails, or the prompt deadline passes. Completion is driven by the
// working-state machine, not by the message acknowledgement.
func (a *Adapter) SendPrompt(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.state != StateActive {
		closed := a.state == StateStopping || a.state == StateStopped
		a.mu.Unlock()
		if closed {
			return ErrSessionClosed
		}
		return ErrSessionNotStarted
	}
	// Clear any completion signal left over from a previous turn.
	select {
	case <-a.turnDone:
	default:
	}
	select {
	case <-a.turnErr:
	default:
	}
	a.streaming = false
	a.idlePending = false
	a.mu.Unlock()

	deadline := time.NewTimer(a.opts.PromptDeadline)
	defer deadline.Stop()

	ack := make(chan error, 1)
	go func() {
		_, err := a.request(ctx, MethodAddUserMessage, promptParams{Text: text})
		ack <- err
	}()

	for {
		select {
		case err := <-ack:
			if err != nil {
				return fmt.Errorf("send prompt: %w", err)
			}
			// Acknowledged; keep waiting for the turn to finish.
			ack = nil
		case <-a.turnDone:
			return nil
		case err := <-a.turnErr:
			return fmt.Errorf("agent turn failed: %w", err)
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrPromptTimeout, a.opts.PromptDeadline)
		case <-ctx.Done():
			return ctx.Err()
		case <-a.ctx.Done():
			return ErrSessionClosed
		}
	}
}

// UpdateSettings sends a fire-and-forget settings change. No pending
// entry is registered, so a late response falls into the unmatched-id
// path and is dropped.
func (a *Adapter) UpdateSettings(settings map[string]interface{}) error {
	a.mu.Lock()
	if a.state != StateStarting && a.state != StateActive {
		a.mu.Unlock()
		return ErrSessionNotStarted
	}
	a.nextID++
	id := strconv.FormatInt(a.nextID, 10)
	a.mu.Unlock()

	params, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return a.writeFrame(Frame{
		Type:   FrameRequest,
		Method: MethodUpdateSettings,
		ID:     id,
		Params: params,
	})
}

// Stop shuts the session down. It is idempotent and always returns nil.
// Requests still pending are rejected with ErrSessionClosed instead of
// being left to hit their timeouts.
func (a *Adapter) Stop() error {
	a.stopped.Do(func() {
		a.mu.Lock()
		hadProcess := a.cmd != nil
		stdin := a.stdin
		if a.state != StateStopped {
			a.state = StateStopping
		}
		a.mu.Unlock()

		if stdin != nil {
			_ = stdin.Close()
		}
		a.cancel()
		a.failAllPending(ErrSessionClosed)

		if hadProcess {
			select {
			case <-a.exited:
			case <-time.After(5 * time.Second):
				a.opts.DebugLog("[protocol] agent process did not exit within grace period")
			}
		}

		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()
	})
	return nil
}

// request sends a correlated request and waits for its response. Each
// request gets a fresh monotonically increasing id; the per-request
// timeout runs independently of any turn-level deadline.
func (a *Adapter) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = b
	}

	a.mu.Lock()
	if a.state != StateStarting && a.state != StateActive {
		closed := a.state == StateStopping || a.state == StateStopped
		a.mu.Unlock()
		if closed {
			return nil, ErrSessionClosed
		}
		return nil, ErrSessionNotStarted
	}
	a.nextID++
	id := strconv.FormatInt(a.nextID, 10)
	ch := make(chan pendingResult, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	if err := a.writeFrame(Frame{
		Type:   FrameRequest,
		Method: method,
		ID:     id,
		Params: raw,
	}); err != nil {
		a.removePending(id)
		return nil, err
	}

	timer := time.AfterFunc(a.opts.RequestTimeout, func() {
		a.settlePending(id, pendingResult{
			err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, a.opts.RequestTimeout),
		})
	})
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		a.removePending(id)
		return nil, ctx.Err()
	case <-a.ctx.Done():
		a.removePending(id)
		return nil, ErrSessionClosed
	}
}

func (a *Adapter) writeFrame(f Frame) error {
	f.ProtocolVersion = Version
	if f.APIVersion == "" {
		f.APIVersion = APIVersion
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return ErrSessionNotStarted
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (a *Adapter) readFrames(r io.Reader) {
	defer a.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		a.handleLine(append([]byte(nil), line...))
	}
}

func (a *Adapter) readStderr(r io.Reader) {
	defer a.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a.opts.DebugLog("[agent stderr] %s", line)
		a.emit(Event{Type: EventError, Err: "stderr: " + line})
	}
}

func (a *Adapter) waitExit() {
	a.readers.Wait()
	err := a.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	a.handleProcessExit(code)
}

// handleProcessExit marks the session dead and fails everything still
// waiting on it: correlated requests and the in-flight turn. Without the
// turn signal a prompt whose ack already arrived would sit on a dead
// process until the full prompt deadline.
func (a *Adapter) handleProcessExit(code int) {
	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()

	a.failAllPending(ErrSessionClosed)
	select {
	case a.turnErr <- fmt.Errorf("agent process exited with code %d", code):
	default:
	}
	a.emit(Event{Type: EventProcessExit, ExitCode: code})
	close(a.exited)
}

// handleLine parses one protocol line and dispatches it. A line that is
// not valid JSON becomes an error event; the stream keeps going.
func (a *Adapter) handleLine(line []byte) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		a.emit(Event{Type: EventError, Err: fmt.Sprintf("parse frame: %v", err), Raw: line})
		return
	}

	a.emit(Event{Type: EventFrame, Raw: line})

	switch frame.Type {
	case FrameResponse:
		a.handleResponse(frame)
	case FrameNotification:
		a.handleNotification(frame)
	case FrameRequest:
		a.handleRequest(frame)
	default:
		a.emit(Event{Type: EventError, Err: fmt.Sprintf("unknown frame type %q", frame.Type), Raw: line})
	}
}

func (a *Adapter) handleResponse(f Frame) {
	if f.ID == "" {
		return
	}
	res := pendingResult{result: f.Result}
	if f.Error != nil {
		res = pendingResult{err: fmt.Errorf("agent error: %s", f.Error.Message)}
	}
	// Responses with no matching pending entry are dropped silently; this
	// covers fire-and-forget requests and entries already timed out.
	a.settlePending(f.ID, res)
}

func (a *Adapter) handleNotification(f Frame) {
	switch f.Notification {
	case NotifyWorkingState:
		var p workingStateParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			a.emit(Event{Type: EventError, Err: fmt.Sprintf("parse working state: %v", err)})
			return
		}
		a.onWorkingState(p.State)
	case NotifyNewMessage:
		var p messageParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			a.emit(Event{Type: EventError, Err: fmt.Sprintf("parse message: %v", err)})
			return
		}
		a.onMessage(p)
	case NotifyToolResult:
		var p toolResultParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			a.emit(Event{Type: EventError, Err: fmt.Sprintf("parse tool result: %v", err)})
			return
		}
		a.emit(Event{Type: EventToolResult, ToolUseID: p.ToolUseID, Text: p.Content})
	case NotifyError:
		var p errorParams
		if err := json.Unmarshal(f.Params, &p); err != nil {
			p.Message = string(f.Params)
		}
		a.onAgentError(p.Message)
	default:
		a.opts.DebugLog("[protocol] unknown notification %q", f.Notification)
	}
}

// onWorkingState advances the completion machine. An idle transition that
// arrives while an assistant message is still streaming defers completion
// until that message has been processed.
func (a *Adapter) onWorkingState(state string) {
	a.mu.Lock()
	switch state {
	case WorkingStateStreaming:
		a.streaming = true
	case WorkingStateIdle:
		if a.streaming {
			a.idlePending = true
		} else {
			a.fireCompletionLocked()
		}
	}
	a.mu.Unlock()

	a.emit(Event{Type: EventStateChanged, WorkingState: state})
}

func (a *Adapter) onMessage(p messageParams) {
	msg := p.Message
	text, tool := flattenContent(msg.Content)
	a.emit(Event{Type: EventMessage, Role: msg.Role, Text: text, Tool: tool})

	if msg.Role != "assistant" {
		return
	}
	a.mu.Lock()
	a.streaming = false
	if a.idlePending {
		a.fireCompletionLocked()
	}
	a.mu.Unlock()
}

func (a *Adapter) onAgentError(message string) {
	a.emit(Event{Type: EventError, Err: message})
	select {
	case a.turnErr <- fmt.Errorf("%s", message):
	default:
	}
}

// fireCompletionLocked signals the end of a turn. Callers hold a.mu.
func (a *Adapter) fireCompletionLocked() {
	a.streaming = false
	a.idlePending = false
	select {
	case a.turnDone <- struct{}{}:
	default:
	}
	a.emit(Event{Type: EventCompleted})
}

func (a *Adapter) handleRequest(f Frame) {
	if f.Method != MethodRequestPermission {
		_ = a.writeFrame(Frame{
			Type:  FrameResponse,
			ID:    f.ID,
			Error: &FrameError{Message: fmt.Sprintf("unsupported method %q", f.Method)},
		})
		return
	}

	var p permissionParams
	if err := json.Unmarshal(f.Params, &p); err != nil {
		a.opts.DebugLog("[protocol] parse permission params: %v", err)
	}
	decision := a.decidePermission(PermissionRequest{
		ToolUseID: p.ToolUseID,
		ToolName:  p.ToolName,
		Input:     p.Input,
	})

	result, err := json.Marshal(permissionResult{Decision: decision})
	if err != nil {
		a.opts.DebugLog("[protocol] encode permission result: %v", err)
		return
	}
	if err := a.writeFrame(Frame{Type: FrameResponse, ID: f.ID, Result: result}); err != nil {
		a.opts.DebugLog("[protocol] answer permission request: %v", err)
	}
}

// decidePermission runs the configured handler. A panicking or failing
// handler denies the action without taking the session down.
func (a *Adapter) decidePermission(req PermissionRequest) (decision PermissionDecision) {
	handler := a.opts.Permissions
	if handler == nil {
		return DecisionProceedOnce
	}

	defer func() {
		if r := recover(); r != nil {
			a.opts.DebugLog("[protocol] permission handler panicked: %v", r)
			decision = DecisionCancel
		}
	}()

	d, err := handler(req)
	if err != nil {
		a.opts.DebugLog("[protocol] permission handler error: %v", err)
		return DecisionCancel
	}
	switch d {
	case DecisionProceedOnce, DecisionProceedAlways, DecisionCancel:
		return d
	default:
		return DecisionCancel
	}
}

func (a *Adapter) settlePending(id string, res pendingResult) bool {
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

func (a *Adapter) removePending(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *Adapter) failAllPending(err error) {
	a.mu.Lock()
	chans := make([]chan pendingResult, 0, len(a.pending))
	for id, ch := range a.pending {
		chans = append(chans, ch)
		delete(a.pending, id)
	}
	a.mu.Unlock()
	for _, ch := range chans {
		ch <- pendingResult{err: err}
	}
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Adapter) emit(e Event) {
	e.Timestamp = time.Now()
	select {
	case a.events <- e:
	default:
		// Slow consumers lose events rather than stalling the read loop.
	}
}

// flattenContent joins text blocks and extracts the first tool call.
func flattenContent(blocks []ContentBlock) (string, *ToolInvocation) {
	var parts []string
	var tool *ToolInvocation
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			if tool == nil {
				tool = &ToolInvocation{ID: b.ID, Name: b.Name, Input: b.Input}
			}
		}
	}
	return strings.Join(parts, "\n"), tool
}
