package orchestrator

import "time"

// RunEventType represents the type of run event.
type RunEventType string

const (
	// EventShardQueued indicates a shard is ready and queued for launch.
	EventShardQueued RunEventType = "shard_queued"
	// EventShardStarted indicates a shard session has started.
	EventShardStarted RunEventType = "shard_started"
	// EventShardOutput carries one line of shard session output.
	EventShardOutput RunEventType = "shard_output"
	// EventShardCompleted indicates a shard finished successfully.
	EventShardCompleted RunEventType = "shard_completed"
	// EventShardFailed indicates a shard session failed.
	EventShardFailed RunEventType = "shard_failed"
	// EventRunDone indicates the whole run is complete.
	EventRunDone RunEventType = "run_done"
)

// RunEvent is emitted by the policy loop as shards move through the run.
type RunEvent struct {
	// Type is the kind of event.
	Type RunEventType
	// ShardID is the ID of the related shard, if applicable.
	ShardID string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
