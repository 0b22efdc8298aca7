package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shardweave/shardweave/internal/protocol"
	"github.com/shardweave/shardweave/pkg/models"
)

// SessionLauncher runs one protocol session per shard: spawn, handshake,
// deliver the shard prompt, wait for the turn to complete, shut down.
type SessionLauncher struct {
	// Binary is the resolved agent executable path.
	Binary string
	// Model is the model id requested at session start.
	Model string
	// Autonomy is the autonomy level for spawned sessions.
	Autonomy models.Autonomy
	// WorkingDir is the project directory agents operate in.
	WorkingDir string
	// PromptDeadline bounds one shard's whole turn.
	PromptDeadline time.Duration
	// RequestTimeout bounds individual protocol exchanges.
	RequestTimeout time.Duration
	// StartTimeout bounds the session handshake.
	StartTimeout time.Duration
	// Permissions answers agent permission requests.
	Permissions protocol.PermissionHandler
	// Registry receives the agent-assigned session id, when set.
	Registry *Registry
	// Logger receives protocol diagnostics.
	Logger *DebugLogger
}

// Run implements Launcher.
func (l *SessionLauncher) Run(ctx context.Context, shard *models.Shard, onOutput func(line string)) error {
	adapter := protocol.New(protocol.Options{
		Binary:         l.Binary,
		PromptDeadline: l.PromptDeadline,
		RequestTimeout: l.RequestTimeout,
		StartTimeout:   l.StartTimeout,
		Permissions:    l.Permissions,
		DebugLog:       l.Logger.Log,
	})

	session, err := adapter.Start(ctx, protocol.StartOptions{
		WorkingDir: l.WorkingDir,
		Model:      l.Model,
		Autonomy:   l.Autonomy,
	})
	if err != nil {
		return fmt.Errorf("start session for shard %s: %w", shard.ID, err)
	}
	defer adapter.Stop()

	if l.Registry != nil {
		l.Registry.SetSessionID(shard.ID, session.ID)
	}

	quit := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		pumpEvents(adapter.Events(), quit, onOutput)
	}()

	err = adapter.SendPrompt(ctx, buildPrompt(shard))
	close(quit)
	<-pumpDone
	if err != nil {
		return fmt.Errorf("shard %s: %w", shard.ID, err)
	}
	return nil
}

// pumpEvents forwards formatted adapter events to onOutput until quit
// fires, then drains whatever is already buffered. The final assistant
// message is emitted immediately before the completion signal, so at
// quit time it can still be sitting in the channel.
func pumpEvents(events <-chan protocol.Event, quit <-chan struct{}, onOutput func(line string)) {
	forward := func(e protocol.Event) {
		if line := formatEvent(e); line != "" {
			onOutput(line)
		}
	}
	for {
		select {
		case e := <-events:
			forward(e)
		case <-quit:
			for {
				select {
				case e := <-events:
					forward(e)
				default:
					return
				}
			}
		}
	}
}

// buildPrompt renders the instruction text delivered to the agent.
func buildPrompt(shard *models.Shard) string {
	var b strings.Builder
	if shard.Title != "" {
		b.WriteString(shard.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(shard.Prompt)
	return b.String()
}

// formatEvent renders one adapter event as an output line. Events with
// no user-facing content return "".
func formatEvent(e protocol.Event) string {
	switch e.Type {
	case protocol.EventMessage:
		if e.Tool != nil {
			return fmt.Sprintf("[%s] tool %s", e.Role, e.Tool.Name)
		}
		if e.Text == "" {
			return ""
		}
		return fmt.Sprintf("[%s] %s", e.Role, e.Text)
	case protocol.EventToolResult:
		text := e.Text
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		if text == "" {
			return ""
		}
		return "[tool] " + text
	case protocol.EventError:
		return "[error] " + e.Err
	default:
		return ""
	}
}
