package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrNotRunning is returned for operations against a runtime whose
// process is not alive.
var ErrNotRunning = errors.New("stream runtime not running")

// defaultStopGrace bounds how long Stop waits after closing stdin before
// killing the process.
const defaultStopGrace = 5 * time.Second

// Options configures a Runtime.
type Options struct {
	// Binary is the agent executable. Callers resolve and inject it.
	Binary string
	// Model selects the agent model.
	Model string
	// WorkingDir is the subprocess working directory.
	WorkingDir string
	// ExtraArgs are appended after the standard streaming flags.
	ExtraArgs []string
	// EventBuffer sizes the event channel. Defaults to 256.
	EventBuffer int
	// StopGrace overrides the graceful-shutdown window when positive.
	StopGrace time.Duration
	// DebugLog receives diagnostic lines. Nil discards them.
	DebugLog func(format string, args ...interface{})
}

// Runtime drives one agent subprocess in streaming mode. Unlike the
// session protocol there is no handshake: the process starts emitting
// events as soon as input arrives.
type Runtime struct {
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool

	writeMu sync.Mutex
	events  chan Event
	exited  chan struct{}

	stopOnce sync.Once
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewRuntime creates a runtime. Start must be called before use.
func NewRuntime(opts Options) *Runtime {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.DebugLog == nil {
		opts.DebugLog = func(string, ...interface{}) {}
	}
	return &Runtime{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		exited: make(chan struct{}),
	}
}

// Events returns the decoded event stream. The channel is closed after
// the process exits and the final buffered line has been flushed.
func (r *Runtime) Events() <-chan Event {
	return r.events
}

// Start spawns the subprocess with streaming flags and begins decoding
// its stdout.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("stream runtime already started")
	}
	r.mu.Unlock()

	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	args = append(args, r.opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.opts.Binary, args...)
	if r.opts.WorkingDir != "" {
		cmd.Dir = r.opts.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.stdin = stdin
	r.running = true
	r.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go r.decodeLoop(stdout, &readers)
	go r.stderrLoop(stderr, &readers)
	go func() {
		readers.Wait()
		if err := cmd.Wait(); err != nil {
			r.opts.DebugLog("[stream] agent process exited: %v", err)
		}
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.events)
		close(r.exited)
	}()

	return nil
}

// SendMessage writes one user message line to the subprocess.
func (r *Runtime) SendMessage(text string) error {
	r.mu.Lock()
	stdin := r.stdin
	running := r.running
	r.mu.Unlock()
	if !running || stdin == nil {
		return ErrNotRunning
	}

	line, err := json.Marshal(userMessage{Role: "user", Content: text})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// CloseInput closes the subprocess's stdin, signalling that no further
// messages are coming. In print mode the agent finishes the current turn
// and exits.
func (r *Runtime) CloseInput() error {
	r.mu.Lock()
	stdin := r.stdin
	r.stdin = nil
	r.mu.Unlock()
	if stdin == nil {
		return nil
	}
	return stdin.Close()
}

// Stop closes stdin and waits for the process to drain; when it does not
// exit within the grace window it is killed. Safe to call more than once.
func (r *Runtime) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.mu.Lock()
		stdin := r.stdin
		running := r.running
		r.mu.Unlock()
		if !running {
			return
		}

		if stdin != nil {
			_ = stdin.Close()
		}

		select {
		case <-r.exited:
		case <-time.After(r.opts.StopGrace):
			r.opts.DebugLog("[stream] grace period expired, killing agent process")
			r.Kill()
			<-r.exited
		}
	})
	return err
}

// Kill terminates the process immediately.
func (r *Runtime) Kill() {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (r *Runtime) decodeLoop(stdout io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	var dec Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, e := range dec.Feed(buf[:n]) {
				r.emit(e)
			}
		}
		if err != nil {
			for _, e := range dec.Flush() {
				r.emit(e)
			}
			return
		}
	}
}

func (r *Runtime) stderrLoop(stderr io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			r.opts.DebugLog("[agent stderr] %s", line)
		}
	}
}

func (r *Runtime) emit(e Event) {
	select {
	case r.events <- e:
	default:
		// Slow consumers lose events rather than stalling the decoder.
	}
}
