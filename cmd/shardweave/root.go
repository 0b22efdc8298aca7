package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shardweave",
	Short: "Shard-based agent workflow orchestrator",
	Long: `Shardweave executes collections of work shards with coding agents.

A shard file declares units of work and the artifacts each unit creates,
depends on, and modifies. Shardweave derives the dependency graph,
schedules independent shards in parallel, and drives one agent session
per shard over the line-delimited JSON session protocol.

Core capabilities:
- Builds a cycle-tolerant dependency graph from artifact declarations
- Runs parallel agent sessions while keeping conflicting shards apart
- Tracks session output and completion per shard
- Records run history in a local SQLite database`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
