package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shardweave/shardweave/internal/graph"
	"github.com/shardweave/shardweave/pkg/models"
)

// Launcher runs one shard's agent session to completion. Implementations
// stream output lines through onOutput as they arrive.
type Launcher interface {
	Run(ctx context.Context, shard *models.Shard, onOutput func(line string)) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, shard *models.Shard, onOutput func(line string)) error

// Run implements Launcher.
func (f LauncherFunc) Run(ctx context.Context, shard *models.Shard, onOutput func(line string)) error {
	return f(ctx, shard, onOutput)
}

// Policy drives a run: on every pass it rebuilds the dependency graph,
// compares the ready set against the registry, and launches shards up to
// the parallelism limit while keeping conflicting shards apart.
type Policy struct {
	// shards is the full shard collection for this run.
	shards []*models.Shard
	// byID indexes shards for launch lookups.
	byID map[string]*models.Shard
	// registry tracks session state across passes.
	registry *Registry
	// launcher executes individual shards.
	launcher Launcher
	// maxParallel caps concurrently running sessions.
	maxParallel int
	// trigger is a channel to signal the loop to check for work.
	trigger chan struct{}
	// events receives run progress events.
	events chan RunEvent
	// pauseCheck, when set, suspends new launches while it returns true.
	pauseCheck func() bool
	// wg tracks in-flight launcher goroutines.
	wg sync.WaitGroup
}

// pausePollInterval is how often a paused loop rechecks the pause state.
const pausePollInterval = 500 * time.Millisecond

// NewPolicy creates a Policy over the given shards. maxParallel values
// below 1 are clamped to 1.
func NewPolicy(shards []*models.Shard, registry *Registry, launcher Launcher, maxParallel int) *Policy {
	if maxParallel < 1 {
		maxParallel = 1
	}
	byID := make(map[string]*models.Shard, len(shards))
	for _, s := range shards {
		if s != nil && s.ID != "" {
			byID[s.ID] = s
		}
	}
	return &Policy{
		shards:      shards,
		byID:        byID,
		registry:    registry,
		launcher:    launcher,
		maxParallel: maxParallel,
		trigger:     make(chan struct{}, 1),
		events:      make(chan RunEvent, 256),
	}
}

// Events returns the run event stream. Events are dropped when the
// buffer is full rather than blocking the loop.
func (p *Policy) Events() <-chan RunEvent {
	return p.events
}

// SetPauseCheck installs a predicate consulted between scheduling
// passes. While it returns true no new shards launch; running sessions
// finish normally. Must be called before Run.
func (p *Policy) SetPauseCheck(fn func() bool) {
	p.pauseCheck = fn
}

// Run executes the scheduling loop until every shard has finished or
// nothing further can make progress. Shards downstream of a failure are
// left unlaunched; Run reports the failure count.
func (p *Policy) Run(ctx context.Context) error {
	for {
		if p.pauseCheck != nil && p.pauseCheck() {
			select {
			case <-time.After(pausePollInterval):
			case <-ctx.Done():
				p.wg.Wait()
				return ctx.Err()
			}
			continue
		}

		launched, idle := p.schedulePass(ctx)
		if idle {
			break
		}
		if launched > 0 {
			continue
		}

		select {
		case <-p.trigger:
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		}
	}

	p.wg.Wait()
	p.emit(RunEvent{Type: EventRunDone})

	if failed := p.registry.FailedSet(); len(failed) > 0 {
		return fmt.Errorf("%d of %d shards failed", len(failed), len(p.byID))
	}
	return nil
}

// schedulePass launches every shard that is ready, slot-permitting, and
// parallel-safe. It returns the launch count and whether the run has
// reached a state where no shard is running and none can become ready.
func (p *Policy) schedulePass(ctx context.Context) (launched int, idle bool) {
	g := graph.Build(p.shards)

	completed := p.registry.CompletedSet()
	failed := p.registry.FailedSet()
	running := p.registry.RunningSet()

	// Failed shards never satisfy blockers and must not relaunch, so they
	// ride along in the in-progress set.
	unavailable := make(map[string]bool, len(running)+len(failed))
	for id := range running {
		unavailable[id] = true
	}
	for id := range failed {
		unavailable[id] = true
	}

	ready := g.ReadyToRun(completed, unavailable)
	if len(ready) == 0 && len(running) == 0 {
		// Mutually blocking shards never enter the ready set and would
		// stall the run here. Force the first unfinished shard through in
		// the cycle-tolerant execution order.
		id := p.firstUnfinished(g, completed, failed)
		if id == "" {
			return 0, true
		}
		debugLog("[policy] forcing mutually blocked shard %s", id)
		ready = []string{id}
	}

	slots := p.maxParallel - p.registry.RunningCount()
	if slots <= 0 {
		return 0, false
	}

	runningIDs := make([]string, 0, len(running))
	for id := range running {
		runningIDs = append(runningIDs, id)
	}

	var picked []string
	for _, id := range ready {
		if len(picked) >= slots {
			break
		}
		if !p.parallelSafe(g, id, runningIDs, picked) {
			debugLog("[policy] shard %s ready but conflicts with active set", id)
			continue
		}
		picked = append(picked, id)
	}

	for _, id := range picked {
		p.launch(ctx, id)
	}
	return len(picked), false
}

// firstUnfinished returns the first shard in execution order that is
// still runnable: not finished and not downstream of a failure. Returns
// "" when none remain.
func (p *Policy) firstUnfinished(g *graph.Graph, completed, failed map[string]bool) string {
	doomed := doomedSet(g, failed)
	for _, id := range g.ExecutionOrder {
		if completed[id] || failed[id] || doomed[id] {
			continue
		}
		return id
	}
	return ""
}

// doomedSet returns the shards transitively blocked by a failed shard.
// Propagation runs to a fixpoint; one pass is not enough with cycles.
func doomedSet(g *graph.Graph, failed map[string]bool) map[string]bool {
	doomed := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for id, node := range g.Nodes {
			if doomed[id] || failed[id] {
				continue
			}
			for _, blockerID := range node.BlockedBy {
				if failed[blockerID] || doomed[blockerID] {
					doomed[id] = true
					changed = true
					break
				}
			}
		}
	}
	return doomed
}

// parallelSafe reports whether a candidate can share the machine with
// every running and already-picked shard.
func (p *Policy) parallelSafe(g *graph.Graph, candidate string, running, picked []string) bool {
	for _, id := range running {
		if !g.CanRunInParallel(candidate, id) {
			return false
		}
	}
	for _, id := range picked {
		if !g.CanRunInParallel(candidate, id) {
			return false
		}
	}
	return true
}

func (p *Policy) launch(ctx context.Context, shardID string) {
	shard := p.byID[shardID]
	if shard == nil {
		return
	}

	p.registry.Launch(shardID)
	p.emit(RunEvent{Type: EventShardStarted, ShardID: shardID, Message: shard.Title})
	debugLog("[policy] launched shard %s", shardID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.signal()

		onOutput := func(line string) {
			p.registry.AppendOutput(shardID, line)
			p.emit(RunEvent{Type: EventShardOutput, ShardID: shardID, Message: line})
		}

		if err := p.launcher.Run(ctx, shard, onOutput); err != nil {
			p.registry.AppendOutput(shardID, "session failed: "+err.Error())
			p.registry.SetStatus(shardID, SessionFailed, err.Error())
			p.emit(RunEvent{Type: EventShardFailed, ShardID: shardID, Error: err})
			debugLog("[policy] shard %s failed: %v", shardID, err)
			return
		}
		p.registry.SetStatus(shardID, SessionComplete, "")
		p.emit(RunEvent{Type: EventShardCompleted, ShardID: shardID})
		debugLog("[policy] shard %s completed", shardID)
	}()
}

// signal nudges the loop to run another pass. The buffered channel
// coalesces bursts of completions into one wakeup.
func (p *Policy) signal() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Policy) emit(e RunEvent) {
	e.Timestamp = time.Now()
	select {
	case p.events <- e:
	default:
	}
}
