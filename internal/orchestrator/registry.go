// Package orchestrator coordinates shard execution: it tracks running
// agent sessions, schedules ready shards against the dependency graph,
// and enforces the parallelism policy.
package orchestrator

import (
	"sync"
	"time"
)

// SessionStatus is the lifecycle position of one tracked session.
type SessionStatus string

const (
	// SessionRunning means the shard's agent session is active.
	SessionRunning SessionStatus = "running"
	// SessionComplete means the shard finished successfully.
	SessionComplete SessionStatus = "complete"
	// SessionFailed means the shard's session ended in error.
	SessionFailed SessionStatus = "failed"
)

// RunningSession is the registry's record of one shard execution.
type RunningSession struct {
	// ShardID identifies the shard being executed.
	ShardID string
	// SessionID is the agent-assigned session identifier, when known.
	SessionID string
	// Status is the current lifecycle position.
	Status SessionStatus
	// Output accumulates session output lines in arrival order.
	Output []string
	// Error holds the failure message for failed sessions.
	Error string
	// StartedAt is when the session was launched.
	StartedAt time.Time
	// CompletedAt is set exactly once, on the first transition out of
	// running.
	CompletedAt time.Time
}

// Registry provides thread-safe tracking of shard sessions.
type Registry struct {
	// sessions maps shard ID to its session record.
	sessions map[string]*RunningSession
	// mu protects all fields.
	mu sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*RunningSession)}
}

// Launch records a new running session for a shard. A shard already
// tracked is overwritten; callers gate re-launches through the graph's
// ready set.
func (r *Registry) Launch(shardID string) *RunningSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := &RunningSession{
		ShardID:   shardID,
		Status:    SessionRunning,
		StartedAt: time.Now(),
	}
	r.sessions[shardID] = session
	return session
}

// SetSessionID records the agent-assigned session identifier.
func (r *Registry) SetSessionID(shardID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[shardID]; ok {
		s.SessionID = sessionID
	}
}

// AppendOutput appends one output line to a shard's session record.
// Lines for unknown shards are dropped.
func (r *Registry) AppendOutput(shardID, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[shardID]; ok {
		s.Output = append(s.Output, line)
	}
}

// SetStatus transitions a shard's session. Transitions only move
// forward: a session that already left running keeps its terminal status
// and its original completion timestamp.
func (r *Registry) SetStatus(shardID string, status SessionStatus, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[shardID]
	if !ok {
		return
	}
	if s.Status != SessionRunning {
		return
	}
	s.Status = status
	if status != SessionRunning {
		s.CompletedAt = time.Now()
	}
	if errMsg != "" {
		s.Error = errMsg
	}
}

// Get returns a snapshot copy of a shard's session, or nil when the
// shard is not tracked.
func (r *Registry) Get(shardID string) *RunningSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[shardID]
	if !ok {
		return nil
	}
	return snapshot(s)
}

// All returns snapshot copies of every tracked session.
func (r *Registry) All() []*RunningSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RunningSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshot(s))
	}
	return out
}

// RunningSet returns the shard IDs currently running, as a set.
func (r *Registry) RunningSet() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	for id, s := range r.sessions {
		if s.Status == SessionRunning {
			set[id] = true
		}
	}
	return set
}

// CompletedSet returns the shard IDs that finished successfully, as a set.
func (r *Registry) CompletedSet() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	for id, s := range r.sessions {
		if s.Status == SessionComplete {
			set[id] = true
		}
	}
	return set
}

// FailedSet returns the shard IDs whose sessions failed, as a set.
func (r *Registry) FailedSet() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	for id, s := range r.sessions {
		if s.Status == SessionFailed {
			set[id] = true
		}
	}
	return set
}

// RunningCount returns the number of sessions still running.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.Status == SessionRunning {
			n++
		}
	}
	return n
}

// Cleanup removes a shard's record unless the session is still running.
// It reports whether a record was removed.
func (r *Registry) Cleanup(shardID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[shardID]
	if !ok || s.Status == SessionRunning {
		return false
	}
	delete(r.sessions, shardID)
	return true
}

func snapshot(s *RunningSession) *RunningSession {
	copied := *s
	copied.Output = append([]string(nil), s.Output...)
	return &copied
}
