package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shardweave/shardweave/internal/config"
	"github.com/shardweave/shardweave/internal/graph"
	"github.com/shardweave/shardweave/internal/shardfile"
)

var planShardFile string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the dependency plan for a shard file",
	Long: `Build the dependency graph for a shard file and print the derived
execution plan without running anything.

Shows:
  - Parallel waves in depth order
  - Blockers per shard
  - The serialized execution order`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planShardFile, "file", "f", "", "Shard file to plan (default from config)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	path := planShardFile
	if path == "" {
		path = cfg.Run.ShardFile
	}
	shards, err := shardfile.Load(path)
	if err != nil {
		return err
	}

	g := graph.Build(shards)

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	bold.Printf("Plan for %s (%d shards)\n\n", path, g.Size())

	for i, group := range g.ParallelGroups {
		cyan.Printf("Wave %d:\n", i+1)
		for _, id := range group {
			node := g.Nodes[id]
			line := "  " + id
			if len(node.BlockedBy) > 0 {
				line += "  (after " + strings.Join(node.BlockedBy, ", ") + ")"
			}
			fmt.Println(line)
		}
	}

	fmt.Println()
	yellow.Println("Execution order:")
	fmt.Println("  " + strings.Join(g.ExecutionOrder, " -> "))
	return nil
}
