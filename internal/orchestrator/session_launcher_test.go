package orchestrator

import (
	"strings"
	"testing"

	"github.com/shardweave/shardweave/internal/protocol"
	"github.com/shardweave/shardweave/pkg/models"
)

func TestEventPumpDrainsBufferedEvents(t *testing.T) {
	// The turn completes while its last events are still buffered; the
	// pump must deliver them instead of returning on the quit signal.
	events := make(chan protocol.Event, 8)
	events <- protocol.Event{Type: protocol.EventMessage, Role: "assistant", Text: "final answer"}
	events <- protocol.Event{Type: protocol.EventToolResult, Text: "wrote parser.go"}
	events <- protocol.Event{Type: protocol.EventCompleted}

	quit := make(chan struct{})
	close(quit)

	var lines []string
	pumpEvents(events, quit, func(line string) {
		lines = append(lines, line)
	})

	wantContains := []string{"final answer", "wrote parser.go"}
	for _, want := range wantContains {
		found := false
		for _, line := range lines {
			if strings.Contains(line, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("buffered event %q lost, output: %v", want, lines)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	shard := &models.Shard{ID: "parser", Title: "Build the parser", Prompt: "Implement parse()."}
	got := buildPrompt(shard)
	if got != "Build the parser\n\nImplement parse()." {
		t.Errorf("unexpected prompt: %q", got)
	}

	shard.Title = ""
	if got := buildPrompt(shard); got != "Implement parse()." {
		t.Errorf("expected bare prompt without title, got %q", got)
	}
}
