package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shardweave/shardweave/internal/config"
	"github.com/shardweave/shardweave/internal/orchestrator"
	"github.com/shardweave/shardweave/internal/shardfile"
	"github.com/shardweave/shardweave/internal/signals"
	"github.com/shardweave/shardweave/internal/state"
	"github.com/shardweave/shardweave/pkg/models"
)

var (
	runShardFile   string
	runModel       string
	runAutonomy    string
	runMaxParallel int
	runDir         string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a shard file with parallel agent sessions",
	Long: `Execute every shard in a shard file.

Shardweave builds the dependency graph, launches agent sessions for
ready shards up to the parallelism limit, and streams their output.
Progress is recorded in the project's .shardweave/state.db; dropping a
file named "stop" into .shardweave/signals/ stops the run after the
current sessions finish.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runShardFile, "file", "f", "", "Shard file to execute (default from config)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model id override")
	runCmd.Flags().StringVar(&runAutonomy, "autonomy", "", "Autonomy level override (plan, accept_edits, full)")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Parallel session limit override")
	runCmd.Flags().StringVar(&runDir, "dir", "", "Project directory (default current directory)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyRunOverrides(cfg)

	projectDir := runDir
	if projectDir == "" {
		if projectDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
	}

	binary, err := config.ResolveAgentBinary(cfg)
	if err != nil {
		return err
	}

	shardPath := resolveShardPath(projectDir, cfg.Run.ShardFile)
	shards, err := shardfile.Load(shardPath)
	if err != nil {
		return err
	}

	db, err := state.OpenProject(projectDir)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	logger := orchestrator.NewDebugLoggerForProject(projectDir)
	defer logger.Close()
	orchestrator.SetPackageLogger(logger)

	sig, err := signals.NewManager(projectDir)
	if err != nil {
		return fmt.Errorf("set up signal watcher: %w", err)
	}
	defer sig.Close()
	sig.Clear()

	runID := uuid.New().String()
	if err := db.CreateRun(&state.Run{
		ID:          runID,
		ShardFile:   shardPath,
		Model:       cfg.Agent.Model,
		MaxParallel: cfg.Run.MaxParallel,
	}); err != nil {
		return err
	}

	registry := orchestrator.NewRegistry()
	var launcher orchestrator.Launcher
	if cfg.Agent.Mode == "stream" {
		launcher = &orchestrator.StreamLauncher{
			Binary:     binary,
			Model:      cfg.Agent.Model,
			WorkingDir: projectDir,
			Deadline:   cfg.Timeouts.Prompt,
			Registry:   registry,
			Logger:     logger,
		}
	} else {
		launcher = &orchestrator.SessionLauncher{
			Binary:         binary,
			Model:          cfg.Agent.Model,
			Autonomy:       models.Autonomy(cfg.Agent.Autonomy),
			WorkingDir:     projectDir,
			PromptDeadline: cfg.Timeouts.Prompt,
			RequestTimeout: cfg.Timeouts.Request,
			StartTimeout:   cfg.Timeouts.Start,
			Registry:       registry,
			Logger:         logger,
		}
	}
	policy := orchestrator.NewPolicy(shards, registry, launcher, cfg.Run.MaxParallel)
	policy.SetPauseCheck(sig.ShouldPause)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Stop signals cancel in-flight sessions; finished work is kept.
	go watchStop(ctx, sig, cancel)
	go printRunEvents(policy.Events())

	bold := color.New(color.Bold)
	bold.Printf("Running %d shards from %s (max %d parallel, model %s)\n\n",
		len(shards), shardPath, cfg.Run.MaxParallel, cfg.Agent.Model)

	runErr := policy.Run(ctx)

	persistResults(db, runID, registry, shards)
	if err := shardfile.Save(shardPath, shards); err != nil {
		fmt.Fprintf(os.Stderr, "warning: update shard file: %v\n", err)
	}

	status := state.RunStatusComplete
	if runErr != nil {
		status = state.RunStatusFailed
	}
	if err := db.FinishRun(runID, status); err != nil {
		fmt.Fprintf(os.Stderr, "warning: record run result: %v\n", err)
	}

	printSummary(registry, shards)
	return runErr
}

// resolveShardPath anchors a relative shard file path at the project
// directory so --dir moves the whole run, not just the agent sessions.
func resolveShardPath(projectDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}

func applyRunOverrides(cfg *config.Config) {
	if runShardFile != "" {
		cfg.Run.ShardFile = runShardFile
	}
	if runModel != "" {
		cfg.Agent.Model = runModel
	}
	if runAutonomy != "" {
		cfg.Agent.Autonomy = runAutonomy
	}
	if runMaxParallel > 0 {
		cfg.Run.MaxParallel = runMaxParallel
	}
}

// watchStop polls the signal manager and cancels the run on stop.
func watchStop(ctx context.Context, sig *signals.Manager, cancel context.CancelFunc) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sig.ShouldStop() {
				color.New(color.FgYellow).Println("stop signal received, winding down")
				cancel()
				return
			}
		}
	}
}

func printRunEvents(events <-chan orchestrator.RunEvent) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	for e := range events {
		switch e.Type {
		case orchestrator.EventShardStarted:
			cyan.Printf("-> %s started\n", e.ShardID)
		case orchestrator.EventShardCompleted:
			green.Printf("ok %s\n", e.ShardID)
		case orchestrator.EventShardFailed:
			red.Printf("FAIL %s: %v\n", e.ShardID, e.Error)
		case orchestrator.EventRunDone:
			return
		}
	}
}

// persistResults writes final session records and folds session status
// back into the shard collection.
func persistResults(db *state.DB, runID string, registry *orchestrator.Registry, shards []*models.Shard) {
	byID := make(map[string]*models.Shard, len(shards))
	for _, s := range shards {
		if s != nil {
			byID[s.ID] = s
		}
	}

	for _, session := range registry.All() {
		record := &state.ShardSession{
			RunID:       runID,
			ShardID:     session.ShardID,
			SessionID:   session.SessionID,
			Status:      string(session.Status),
			Error:       session.Error,
			Output:      session.Output,
			StartedAt:   session.StartedAt,
			CompletedAt: session.CompletedAt,
		}
		if err := db.RecordShardSession(record); err != nil {
			fmt.Fprintf(os.Stderr, "warning: record shard %s: %v\n", session.ShardID, err)
		}

		shard := byID[session.ShardID]
		if shard == nil {
			continue
		}
		switch session.Status {
		case orchestrator.SessionComplete:
			shard.Status = models.ShardStatusDone
			shard.Error = ""
		case orchestrator.SessionFailed:
			shard.Status = models.ShardStatusFailed
			shard.Error = session.Error
		case orchestrator.SessionRunning:
			shard.Status = models.ShardStatusInProgress
		}
	}

	// Shards that never launched behind a failure stay pending but are
	// marked blocked for visibility.
	for _, shard := range byID {
		if registry.Get(shard.ID) == nil && shard.Status == models.ShardStatusPending {
			if hasFailedBlocker(shard, byID) {
				shard.Status = models.ShardStatusBlocked
			}
		}
	}
}

func hasFailedBlocker(shard *models.Shard, byID map[string]*models.Shard) bool {
	for _, other := range byID {
		if other.ID == shard.ID || other.Status != models.ShardStatusFailed {
			continue
		}
		for _, artifact := range other.Creates {
			for _, dep := range shard.DependsOn {
				if artifact == dep {
					return true
				}
			}
		}
	}
	return false
}

func printSummary(registry *orchestrator.Registry, shards []*models.Shard) {
	completed := registry.CompletedSet()
	failed := registry.FailedSet()

	fmt.Println()
	color.New(color.Bold).Println("Summary:")
	fmt.Printf("  %d complete, %d failed, %d not run\n",
		len(completed), len(failed), len(shards)-len(completed)-len(failed))
	for id := range failed {
		if s := registry.Get(id); s != nil {
			color.New(color.FgRed).Printf("  %s: %s\n", id, s.Error)
		}
	}
}
