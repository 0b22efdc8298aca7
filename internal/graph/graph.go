// Package graph builds the shard dependency graph used for scheduling.
//
// The builder is deliberately forgiving: missing artifact sets are treated
// as empty, and cyclic input degrades to an approximate ordering instead of
// failing. Callers must not assume a strict DAG guarantee.
package graph

import (
	"sort"

	"github.com/shardweave/shardweave/pkg/models"
)

// Node is one shard's position in the dependency graph.
type Node struct {
	// ShardID is the id of the shard this node represents.
	ShardID string
	// Creates lists artifact identifiers the shard produces.
	Creates []string
	// DependsOn lists artifact identifiers the shard requires.
	DependsOn []string
	// Modifies lists artifacts the shard touches.
	Modifies []string
	// BlockedBy lists shard ids that must complete before this shard.
	BlockedBy []string
	// CanRunParallelWith lists shard ids at the same depth that neither
	// block this shard nor share a modified artifact with it.
	CanRunParallelWith []string
}

// Graph is the derived scheduling structure for a shard collection.
// It is rebuilt fresh on every scheduling pass and never persisted.
type Graph struct {
	// Nodes maps shard id to its node.
	Nodes map[string]*Node
	// ExecutionOrder contains every shard id exactly once, dependencies
	// first. On cyclic input the order is total but lossy.
	ExecutionOrder []string
	// ParallelGroups partitions all shard ids into depth buckets,
	// ascending. Shards within one group are eligible to run together.
	ParallelGroups [][]string
}

// Build constructs the dependency graph from a slice of shards.
// It never fails: nil shards, missing fields, and cycles all degrade
// gracefully rather than returning an error.
func Build(shards []*models.Shard) *Graph {
	g := &Graph{Nodes: make(map[string]*Node, len(shards))}

	for _, shard := range shards {
		if shard == nil || shard.ID == "" {
			continue
		}
		g.Nodes[shard.ID] = &Node{
			ShardID:   shard.ID,
			Creates:   append([]string(nil), shard.Creates...),
			DependsOn: append([]string(nil), shard.DependsOn...),
			Modifies:  append([]string(nil), shard.Modifies...),
		}
	}

	ids := g.sortedIDs()

	// Blocking edges. A is blocked by B when A consumes something B
	// creates, or when both modify a shared artifact and A carries at
	// least as many dependencies as B (the more-dependent shard runs
	// later; ties block both ways and resolve through cycle tolerance).
	for _, aID := range ids {
		a := g.Nodes[aID]
		deps := toSet(a.DependsOn)
		mods := toSet(a.Modifies)
		for _, bID := range ids {
			if aID == bID {
				continue
			}
			b := g.Nodes[bID]
			if intersects(deps, b.Creates) {
				a.BlockedBy = append(a.BlockedBy, bID)
				continue
			}
			if intersects(mods, b.Modifies) && len(a.DependsOn) >= len(b.DependsOn) {
				a.BlockedBy = append(a.BlockedBy, bID)
			}
		}
		sort.Strings(a.BlockedBy)
	}

	g.ExecutionOrder = g.topologicalOrder(ids)
	g.ParallelGroups = g.depthGroups(ids)
	g.populateParallelSets()

	return g
}

// depth computes a shard's dependency depth: 0 with no blockers, else
// 1 + the deepest blocker. The visited set tracks the active recursion
// path; a blocker already on the path contributes depth 0, which
// terminates cycles at the cost of an approximate depth for their
// participants.
func (g *Graph) depth(id string, visited map[string]bool) int {
	node := g.Nodes[id]
	if node == nil || len(node.BlockedBy) == 0 {
		return 0
	}

	visited[id] = true
	maxBlocker := 0
	for _, blockerID := range node.BlockedBy {
		d := 0
		if !visited[blockerID] {
			d = g.depth(blockerID, visited)
		}
		if d > maxBlocker {
			maxBlocker = d
		}
	}
	delete(visited, id)

	return 1 + maxBlocker
}

// depthGroups buckets all shard ids by depth, ascending.
func (g *Graph) depthGroups(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}

	depths := make(map[string]int, len(ids))
	maxDepth := 0
	for _, id := range ids {
		d := g.depth(id, make(map[string]bool))
		depths[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	buckets := make([][]string, maxDepth+1)
	for _, id := range ids {
		d := depths[id]
		buckets[d] = append(buckets[d], id)
	}

	// Cyclic participants receive approximate depths, which can leave
	// holes in the bucket sequence. Drop empty buckets so the result is a
	// true partition.
	groups := buckets[:0]
	for _, bucket := range buckets {
		if len(bucket) > 0 {
			groups = append(groups, bucket)
		}
	}
	return groups
}

// topologicalOrder returns a depth-first post-order over blockedBy edges.
// A node re-entered while still on the active visit stack (a cycle) is
// skipped, so the result stays a total ordering of all ids.
func (g *Graph) topologicalOrder(ids []string) []string {
	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]bool, len(ids))
	order := make([]string, 0, len(ids))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] || onStack[id] {
			return
		}
		onStack[id] = true
		for _, blockerID := range g.Nodes[id].BlockedBy {
			visit(blockerID)
		}
		delete(onStack, id)
		visited[id] = true
		order = append(order, id)
	}

	for _, id := range ids {
		visit(id)
	}
	return order
}

// populateParallelSets fills CanRunParallelWith symmetrically within each
// depth bucket.
func (g *Graph) populateParallelSets() {
	for _, group := range g.ParallelGroups {
		for i, aID := range group {
			for _, bID := range group[i+1:] {
				if g.CanRunInParallel(aID, bID) {
					g.Nodes[aID].CanRunParallelWith = append(g.Nodes[aID].CanRunParallelWith, bID)
					g.Nodes[bID].CanRunParallelWith = append(g.Nodes[bID].CanRunParallelWith, aID)
				}
			}
		}
	}
	for _, node := range g.Nodes {
		sort.Strings(node.CanRunParallelWith)
	}
}

// ReadyToRun returns shard ids absent from both completed and inProgress
// whose every blocker is present in completed. The result is sorted.
func (g *Graph) ReadyToRun(completed, inProgress map[string]bool) []string {
	var ready []string
	for _, id := range g.sortedIDs() {
		if completed[id] || inProgress[id] {
			continue
		}
		blocked := false
		for _, blockerID := range g.Nodes[id].BlockedBy {
			if !completed[blockerID] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// CanRunInParallel reports whether two shards are safe to run together:
// neither blocks the other and they share no modified artifact. Unknown
// ids are never parallel-safe.
func (g *Graph) CanRunInParallel(a, b string) bool {
	na, nb := g.Nodes[a], g.Nodes[b]
	if na == nil || nb == nil || a == b {
		return false
	}
	if contains(na.BlockedBy, b) || contains(nb.BlockedBy, a) {
		return false
	}
	return !intersects(toSet(na.Modifies), nb.Modifies)
}

// Size returns the number of shards in the graph.
func (g *Graph) Size() int {
	return len(g.Nodes)
}

// BlockedBy returns the ids blocking the given shard.
func (g *Graph) BlockedBy(id string) []string {
	if node := g.Nodes[id]; node != nil {
		return node.BlockedBy
	}
	return nil
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func intersects(set map[string]bool, items []string) bool {
	for _, item := range items {
		if set[item] {
			return true
		}
	}
	return false
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
