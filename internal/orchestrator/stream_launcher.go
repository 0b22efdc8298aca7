package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shardweave/shardweave/internal/stream"
	"github.com/shardweave/shardweave/pkg/models"
)

// StreamLauncher runs shards through the streaming runtime instead of
// the session protocol. There is no handshake or completion machine: the
// prompt goes in, the runtime drains events until the process exits.
type StreamLauncher struct {
	// Binary is the resolved agent executable path.
	Binary string
	// Model is the model id passed on the command line.
	Model string
	// WorkingDir is the project directory agents operate in.
	WorkingDir string
	// Deadline bounds one shard's execution. Zero means no bound.
	Deadline time.Duration
	// Registry receives the agent-assigned session id, when set.
	Registry *Registry
	// Logger receives runtime diagnostics.
	Logger *DebugLogger
}

// Run implements Launcher.
func (l *StreamLauncher) Run(ctx context.Context, shard *models.Shard, onOutput func(line string)) error {
	if l.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Deadline)
		defer cancel()
	}

	rt := stream.NewRuntime(stream.Options{
		Binary:     l.Binary,
		Model:      l.Model,
		WorkingDir: l.WorkingDir,
		DebugLog:   l.Logger.Log,
	})
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start stream runtime for shard %s: %w", shard.ID, err)
	}

	if err := rt.SendMessage(buildPrompt(shard)); err != nil {
		rt.Kill()
		return fmt.Errorf("shard %s: %w", shard.ID, err)
	}
	// One prompt per shard: close input so the agent exits after the turn.
	if err := rt.CloseInput(); err != nil {
		l.Logger.Log("[stream %s] close input: %v", shard.ID, err)
	}

	var usageIn, usageOut int
	for e := range rt.Events() {
		switch e.Type {
		case stream.TextDelta:
			onOutput(e.Text)
		case stream.ThinkingDelta:
			// Reasoning chunks stay in the debug log only.
			l.Logger.Log("[stream %s] thinking: %s", shard.ID, e.Text)
		case stream.ToolStart:
			onOutput(fmt.Sprintf("[tool] %s", e.ToolName))
		case stream.ToolResult:
			text := e.Text
			if len(text) > 200 {
				text = text[:200] + "..."
			}
			if text != "" {
				onOutput("[tool] " + text)
			}
		case stream.Usage:
			usageIn, usageOut = e.InputTokens, e.OutputTokens
		case stream.SessionID:
			if l.Registry != nil {
				l.Registry.SetSessionID(shard.ID, e.SessionID)
			}
		}
	}
	if usageIn > 0 || usageOut > 0 {
		l.Logger.Log("[stream %s] tokens in=%d out=%d", shard.ID, usageIn, usageOut)
	}

	if err := rt.Stop(); err != nil {
		return fmt.Errorf("shard %s: %w", shard.ID, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("shard %s: %w", shard.ID, ctx.Err())
	}
	return nil
}
