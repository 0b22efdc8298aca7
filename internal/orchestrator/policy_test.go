package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shardweave/shardweave/pkg/models"
)

// recordingLauncher tracks launch order and concurrency for assertions.
type recordingLauncher struct {
	mu        sync.Mutex
	order     []string
	active    int
	highWater int
	delay     time.Duration
	failIDs   map[string]bool
}

func (l *recordingLauncher) Run(ctx context.Context, shard *models.Shard, onOutput func(string)) error {
	l.mu.Lock()
	l.order = append(l.order, shard.ID)
	l.active++
	if l.active > l.highWater {
		l.highWater = l.active
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
	}()

	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	onOutput("worked on " + shard.ID)

	if l.failIDs[shard.ID] {
		return errors.New("agent session crashed")
	}
	return nil
}

func (l *recordingLauncher) launchIndex(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, got := range l.order {
		if got == id {
			return i
		}
	}
	return -1
}

func testShard(id string, creates, dependsOn, modifies []string) *models.Shard {
	return &models.Shard{ID: id, Creates: creates, DependsOn: dependsOn, Modifies: modifies}
}

func TestPolicyRunsDependentsAfterBlockers(t *testing.T) {
	shards := []*models.Shard{
		testShard("types", []string{"types"}, nil, nil),
		testShard("api", []string{"api"}, []string{"types"}, nil),
		testShard("server", nil, []string{"api"}, nil),
	}
	launcher := &recordingLauncher{}
	registry := NewRegistry()
	policy := NewPolicy(shards, registry, launcher, 4)

	if err := policy.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(launcher.order) != 3 {
		t.Fatalf("expected 3 launches, got %v", launcher.order)
	}
	if launcher.launchIndex("types") > launcher.launchIndex("api") {
		t.Errorf("types must launch before api: %v", launcher.order)
	}
	if launcher.launchIndex("api") > launcher.launchIndex("server") {
		t.Errorf("api must launch before server: %v", launcher.order)
	}
	for _, id := range []string{"types", "api", "server"} {
		if got := registry.Get(id); got == nil || got.Status != SessionComplete {
			t.Errorf("expected %s complete, got %+v", id, got)
		}
	}
}

func TestPolicyRespectsMaxParallel(t *testing.T) {
	shards := []*models.Shard{
		testShard("a", nil, nil, nil),
		testShard("b", nil, nil, nil),
		testShard("c", nil, nil, nil),
		testShard("d", nil, nil, nil),
	}
	launcher := &recordingLauncher{delay: 20 * time.Millisecond}
	policy := NewPolicy(shards, NewRegistry(), launcher, 2)

	if err := policy.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if launcher.highWater > 2 {
		t.Errorf("parallelism limit exceeded: high water %d", launcher.highWater)
	}
	if len(launcher.order) != 4 {
		t.Errorf("expected all 4 shards launched, got %v", launcher.order)
	}
}

func TestPolicyFailureBlocksDependents(t *testing.T) {
	shards := []*models.Shard{
		testShard("base", []string{"base"}, nil, nil),
		testShard("child", nil, []string{"base"}, nil),
		testShard("free", nil, nil, nil),
	}
	launcher := &recordingLauncher{failIDs: map[string]bool{"base": true}}
	registry := NewRegistry()
	policy := NewPolicy(shards, registry, launcher, 2)

	err := policy.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("expected failure summary, got %v", err)
	}

	if registry.Get("child") != nil {
		t.Error("dependent of failed shard was launched")
	}
	if got := registry.Get("free"); got == nil || got.Status != SessionComplete {
		t.Errorf("independent shard should still run, got %+v", got)
	}

	// The failure diagnostic lands in the session output.
	base := registry.Get("base")
	if base == nil || base.Status != SessionFailed {
		t.Fatalf("expected base failed, got %+v", base)
	}
	found := false
	for _, line := range base.Output {
		if strings.Contains(line, "session failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected failure diagnostic in output, got %v", base.Output)
	}
}

func TestPolicySerializesModifyConflicts(t *testing.T) {
	// Equal dependency counts on a shared artifact block both ways; the
	// loop must force them through one at a time instead of stalling.
	shards := []*models.Shard{
		testShard("a", nil, nil, []string{"shared.go"}),
		testShard("b", nil, nil, []string{"shared.go"}),
	}
	launcher := &recordingLauncher{delay: 10 * time.Millisecond}
	registry := NewRegistry()
	policy := NewPolicy(shards, registry, launcher, 2)

	done := make(chan error, 1)
	go func() { done <- policy.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run stalled on mutually blocked shards")
	}

	if launcher.highWater > 1 {
		t.Errorf("conflicting shards ran concurrently: high water %d", launcher.highWater)
	}
	for _, id := range []string{"a", "b"} {
		if got := registry.Get(id); got == nil || got.Status != SessionComplete {
			t.Errorf("expected %s complete, got %+v", id, got)
		}
	}
}

func TestPolicyPauseSuspendsLaunches(t *testing.T) {
	shards := []*models.Shard{
		testShard("a", nil, nil, nil),
		testShard("b", nil, nil, nil),
	}
	launcher := &recordingLauncher{}
	registry := NewRegistry()
	policy := NewPolicy(shards, registry, launcher, 2)

	var mu sync.Mutex
	paused := true
	policy.SetPauseCheck(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return paused
	})

	done := make(chan error, 1)
	go func() { done <- policy.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	launcher.mu.Lock()
	launchedWhilePaused := len(launcher.order)
	launcher.mu.Unlock()
	if launchedWhilePaused != 0 {
		t.Errorf("shards launched while paused: %v", launcher.order)
	}

	mu.Lock()
	paused = false
	mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resume after unpause")
	}
	if len(launcher.order) != 2 {
		t.Errorf("expected both shards launched after resume, got %v", launcher.order)
	}
}

func TestPolicyCancellation(t *testing.T) {
	shards := []*models.Shard{
		testShard("slow", nil, nil, nil),
	}
	launcher := &recordingLauncher{delay: time.Minute}
	policy := NewPolicy(shards, NewRegistry(), launcher, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- policy.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
