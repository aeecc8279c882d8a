// Package learning keeps a SQLite history of step executions so operators can
// see which tools fail, how often fallback kicks in, and what past runs did.
package learning

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// StepExecution represents a single dispatch attempt of a plan step
type StepExecution struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	PlanID       string    `json:"plan_id"`
	PlanName     string    `json:"plan_name"`
	StepID       string    `json:"step_id"`
	StepName     string    `json:"step_name"`
	ToolName     string    `json:"tool_name"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	Modality     string    `json:"modality"`
	FallbackUsed bool      `json:"fallback_used"`
	RetryCount   int       `json:"retry_count"` // dispatcher-level retries inside this attempt
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMs   float64   `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store manages the SQLite database for execution history
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new Store instance and initializes the database
func NewStore(dbPath string) (*Store, error) {
	if dbPath == ":memory:" {
		return openAndInitStore(dbPath)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	return openAndInitStore(dbPath)
}

func openAndInitStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // Must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, sql string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(sql)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.dbPath
}

// RecordStep stores one dispatch attempt.
func (s *Store) RecordStep(ctx context.Context, exec *StepExecution) error {
	ts := exec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	attempt := exec.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	query := `INSERT INTO step_executions
		(run_id, plan_id, plan_name, step_id, step_name, tool_name, attempt, success, modality,
		 error_message, duration_ms, timestamp, fallback_used, dispatch_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		exec.RunID, exec.PlanID, exec.PlanName, exec.StepID, exec.StepName, exec.ToolName,
		attempt, exec.Success, exec.Modality, exec.ErrorMessage, exec.DurationMs, ts,
		exec.FallbackUsed, exec.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	exec.ID = id
	return nil
}

const stepColumns = `id, run_id, plan_id, COALESCE(plan_name, ''), step_id, COALESCE(step_name, ''),
	tool_name, attempt, success, COALESCE(modality, ''), COALESCE(fallback_used, 0),
	COALESCE(dispatch_retries, 0), COALESCE(error_message, ''), COALESCE(duration_ms, 0), timestamp`

func scanStep(rows *sql.Rows) (*StepExecution, error) {
	exec := &StepExecution{}
	err := rows.Scan(
		&exec.ID, &exec.RunID, &exec.PlanID, &exec.PlanName, &exec.StepID, &exec.StepName,
		&exec.ToolName, &exec.Attempt, &exec.Success, &exec.Modality, &exec.FallbackUsed,
		&exec.RetryCount, &exec.ErrorMessage, &exec.DurationMs, &exec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("scan step execution: %w", err)
	}
	return exec, nil
}

func (s *Store) querySteps(ctx context.Context, query string, args ...interface{}) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var execs []*StepExecution
	for rows.Next() {
		exec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step executions: %w", err)
	}
	return execs, nil
}

// GetRunSteps returns every attempt of one run in execution order.
func (s *Store) GetRunSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	return s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE run_id = ? ORDER BY id ASC`, runID)
}

// GetToolHistory returns attempts for a tool, most recent first.
func (s *Store) GetToolHistory(ctx context.Context, toolName string, limit int) ([]*StepExecution, error) {
	query := `SELECT ` + stepColumns + ` FROM step_executions WHERE tool_name = ? ORDER BY id DESC`
	args := []interface{}{toolName}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySteps(ctx, query, args...)
}

// RunSummary aggregates one executor run
type RunSummary struct {
	RunID     string
	PlanID    string
	PlanName  string
	Attempts  int
	Failures  int
	Fallbacks int
	Started   time.Time
}

// GetRecentRuns lists runs newest first.
func (s *Store) GetRecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT
			run_id,
			plan_id,
			COALESCE(MAX(plan_name), ''),
			COUNT(*) as attempts,
			COUNT(CASE WHEN success = 0 THEN 1 END) as failures,
			COUNT(CASE WHEN fallback_used = 1 THEN 1 END) as fallbacks,
			MIN(id) as first_id
		FROM step_executions
		GROUP BY run_id, plan_id
		ORDER BY first_id DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	var firstIDs []int64
	for rows.Next() {
		var r RunSummary
		var firstID int64
		if err := rows.Scan(&r.RunID, &r.PlanID, &r.PlanName, &r.Attempts, &r.Failures, &r.Fallbacks, &firstID); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		runs = append(runs, r)
		firstIDs = append(firstIDs, firstID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run summaries: %w", err)
	}
	rows.Close()

	for i := range runs {
		var started time.Time
		if err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM step_executions WHERE id = ?`, firstIDs[i]).Scan(&started); err != nil {
			return nil, fmt.Errorf("query run start: %w", err)
		}
		runs[i].Started = started
	}
	return runs, nil
}

// ToolStats represents aggregated statistics for a specific tool
type ToolStats struct {
	ToolName      string
	CallCount     int
	SuccessCount  int
	FailureCount  int
	FallbackCount int
	AvgDurationMs float64
	SuccessRate   float64
}

// GetToolStats returns aggregated statistics grouped by tool name
// Ordered by call count descending, with limit/offset support
func (s *Store) GetToolStats(ctx context.Context, limit, offset int) ([]ToolStats, error) {
	query := `
		SELECT
			tool_name,
			COUNT(*) as call_count,
			COUNT(CASE WHEN success = 1 THEN 1 END) as success_count,
			COUNT(CASE WHEN success = 0 THEN 1 END) as failure_count,
			COUNT(CASE WHEN fallback_used = 1 THEN 1 END) as fallback_count,
			AVG(duration_ms) as avg_duration
		FROM step_executions
		GROUP BY tool_name
		ORDER BY call_count DESC, tool_name ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	var stats []ToolStats
	for rows.Next() {
		var ts ToolStats
		var avgDuration sql.NullFloat64
		if err := rows.Scan(&ts.ToolName, &ts.CallCount, &ts.SuccessCount, &ts.FailureCount, &ts.FallbackCount, &avgDuration); err != nil {
			return nil, fmt.Errorf("scan tool stats row: %w", err)
		}
		if ts.CallCount > 0 {
			ts.SuccessRate = float64(ts.SuccessCount) / float64(ts.CallCount)
		}
		if avgDuration.Valid {
			ts.AvgDurationMs = avgDuration.Float64
		}
		stats = append(stats, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool stats: %w", err)
	}
	return stats, nil
}

// CleanupOldExecutions removes records older than keepDays.
// Returns the number of deleted records; 0 or negative keepDays keeps everything.
func (s *Store) CleanupOldExecutions(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)

	result, err := s.db.ExecContext(ctx, `DELETE FROM step_executions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old executions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return deleted, nil
}

// Clear deletes all history.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM step_executions`)
	if err != nil {
		return 0, fmt.Errorf("clear step executions: %w", err)
	}
	return result.RowsAffected()
}
