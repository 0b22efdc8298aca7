// Package models defines the shared data types for Shardweave.
package models

import "time"

// ShardStatus represents the current state of a shard.
type ShardStatus string

const (
	// ShardStatusPending indicates the shard has not started.
	ShardStatusPending ShardStatus = "pending"
	// ShardStatusInProgress indicates an agent is working on the shard.
	ShardStatusInProgress ShardStatus = "in_progress"
	// ShardStatusBlocked indicates the shard cannot proceed.
	ShardStatusBlocked ShardStatus = "blocked"
	// ShardStatusDone indicates the shard completed successfully.
	ShardStatusDone ShardStatus = "done"
	// ShardStatusFailed indicates the shard failed.
	ShardStatusFailed ShardStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s ShardStatus) Valid() bool {
	switch s {
	case ShardStatusPending, ShardStatusInProgress, ShardStatusBlocked,
		ShardStatusDone, ShardStatusFailed:
		return true
	default:
		return false
	}
}

// Shard represents an atomic unit of work with declared artifact
// relationships. A shard becomes schedulable once every shard it is
// blocked by has completed.
type Shard struct {
	// ID is the unique identifier for this shard.
	ID string `json:"id" yaml:"id"`
	// Title is the short description of the shard.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	// Prompt is the instruction text delivered to the agent.
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	// Creates lists artifact identifiers this shard produces.
	Creates []string `json:"creates,omitempty" yaml:"creates,omitempty"`
	// DependsOn lists artifact identifiers this shard requires.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Modifies lists artifacts this shard touches. May be empty.
	Modifies []string `json:"modifies,omitempty" yaml:"modifies,omitempty"`
	// Status is the current state of the shard. It is owned by the
	// caller's state tracking; the scheduler never mutates it.
	Status ShardStatus `json:"status,omitempty" yaml:"status,omitempty"`
	// CreatedAt is when the shard was created.
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	// Error contains the error message if the shard failed.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}
