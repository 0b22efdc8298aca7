package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Run statuses persisted in the runs table.
const (
	RunStatusActive   = "active"
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)

// Run is one recorded orchestration run.
type Run struct {
	ID          string
	ShardFile   string
	Model       string
	MaxParallel int
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
}

// ShardSession is one shard execution inside a run.
type ShardSession struct {
	RunID       string
	ShardID     string
	SessionID   string
	Status      string
	Error       string
	Output      []string
	StartedAt   time.Time
	CompletedAt time.Time
}

// CreateRun inserts a new active run.
func (db *DB) CreateRun(run *Run) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStatusActive
	}

	_, err := db.conn.Exec(`
		INSERT INTO runs (id, shard_file, model, max_parallel, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ShardFile, run.Model, run.MaxParallel, run.StartedAt, run.Status,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run terminal and stamps its finish time.
func (db *DB) FinishRun(runID, status string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun fetches one run by id. Returns nil when not found.
func (db *DB) GetRun(runID string) (*Run, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT id, shard_file, model, max_parallel, started_at, finished_at, status
		FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// LatestRun fetches the most recently started run. Returns nil when the
// table is empty.
func (db *DB) LatestRun() (*Run, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRow(`
		SELECT id, shard_file, model, max_parallel, started_at, finished_at, status
		FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	return scanRun(row)
}

// ListRuns returns runs newest-first, up to limit. A non-positive limit
// returns everything.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT id, shard_file, model, max_parallel, started_at, finished_at, status
		FROM runs ORDER BY started_at DESC, id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = db.conn.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = db.conn.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordShardSession upserts one shard session row.
func (db *DB) RecordShardSession(s *ShardSession) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
	if s.Status == "" {
		s.Status = "running"
	}

	var completedAt interface{}
	if !s.CompletedAt.IsZero() {
		completedAt = s.CompletedAt
	}

	// Output is stored as JSON: joining on newlines would merge lines
	// that themselves contain newlines and lose the empty/nil distinction.
	output, err := json.Marshal(s.Output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	_, err = db.conn.Exec(`
		INSERT INTO shard_sessions (run_id, shard_id, session_id, status, error, output, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, shard_id) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			error = excluded.error,
			output = excluded.output,
			completed_at = excluded.completed_at`,
		s.RunID, s.ShardID, s.SessionID, s.Status, s.Error,
		string(output), s.StartedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("record shard session: %w", err)
	}
	return nil
}

// ShardSessions returns every shard session of a run, ordered by start
// time.
func (db *DB) ShardSessions(runID string) ([]*ShardSession, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT run_id, shard_id, session_id, status, error, output, started_at, completed_at
		FROM shard_sessions WHERE run_id = ? ORDER BY started_at, shard_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list shard sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ShardSession
	for rows.Next() {
		var s ShardSession
		var sessionID, errMsg, output sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&s.RunID, &s.ShardID, &sessionID, &s.Status, &errMsg, &output, &s.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan shard session: %w", err)
		}
		s.SessionID = sessionID.String
		s.Error = errMsg.String
		if output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &s.Output); err != nil {
				// Rows written before output was JSON-encoded hold plain
				// newline-joined text.
				s.Output = strings.Split(output.String, "\n")
			}
		}
		if completedAt.Valid {
			s.CompletedAt = completedAt.Time
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.ShardFile, &run.Model, &run.MaxParallel,
		&run.StartedAt, &finishedAt, &run.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return &run, nil
}

func scanRunRows(rows *sql.Rows) (*Run, error) {
	var run Run
	var finishedAt sql.NullTime
	err := rows.Scan(&run.ID, &run.ShardFile, &run.Model, &run.MaxParallel,
		&run.StartedAt, &finishedAt, &run.Status)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return &run, nil
}
