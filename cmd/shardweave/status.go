package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shardweave/shardweave/internal/state"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run and its shard sessions",
	Long: `Display recorded run state from the project database.

Shows the most recent run (or a specific one with --run), each shard
session's status, and timing information.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Show a specific run id instead of the latest")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No recorded runs. Start one with 'shardweave run'.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var run *state.Run
	if statusRunID != "" {
		run, err = db.GetRun(statusRunID)
	} else {
		run, err = db.LatestRun()
	}
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No recorded runs. Start one with 'shardweave run'.")
		return nil
	}

	displayRun(run)

	sessions, err := db.ShardSessions(run.ID)
	if err != nil {
		return err
	}
	displaySessions(sessions)
	return nil
}

func displayRun(run *state.Run) {
	bold := color.New(color.Bold)
	bold.Printf("Run %s\n", run.ID)
	fmt.Printf("  shard file:   %s\n", run.ShardFile)
	fmt.Printf("  model:        %s\n", run.Model)
	fmt.Printf("  max parallel: %d\n", run.MaxParallel)
	fmt.Printf("  started:      %s\n", run.StartedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Printf("  finished:     %s (%s)\n",
			run.FinishedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Printf("  status:       %s\n\n", colorizeRunStatus(run.Status))
}

func displaySessions(sessions []*state.ShardSession) {
	if len(sessions) == 0 {
		fmt.Println("No shard sessions recorded for this run.")
		return
	}

	color.New(color.Bold).Println("Shards:")
	for _, s := range sessions {
		line := fmt.Sprintf("  %-20s %s", s.ShardID, colorizeSessionStatus(s.Status))
		if !s.CompletedAt.IsZero() {
			line += fmt.Sprintf("  (%s)", s.CompletedAt.Sub(s.StartedAt).Round(time.Second))
		}
		fmt.Println(line)
		if s.Error != "" {
			color.New(color.FgRed).Printf("      %s\n", s.Error)
		}
	}
}

func colorizeRunStatus(status string) string {
	switch status {
	case state.RunStatusComplete:
		return color.GreenString(status)
	case state.RunStatusFailed:
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}

func colorizeSessionStatus(status string) string {
	switch status {
	case "complete":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "running":
		return color.YellowString(status)
	default:
		return status
	}
}
