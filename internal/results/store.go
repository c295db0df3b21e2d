// Package results persists evaluation runs to a local SQLite database.
package results

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"webeval/internal/eval"
	"webeval/internal/logging"
)

// Store manages the results database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates or opens the results store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// initSchema creates the database schema.
func (s *Store) initSchema() error {
	schema := `
	-- Evaluation runs table
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		task_file TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		tasks_total INTEGER NOT NULL DEFAULT 0,
		tasks_correct INTEGER NOT NULL DEFAULT 0
	);

	-- Per-task results table
	CREATE TABLE IF NOT EXISTS task_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		answer TEXT,
		correct INTEGER NOT NULL DEFAULT 0,
		score_mode TEXT,
		score_detail TEXT,
		similarity REAL,
		steps INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		cache_hits INTEGER NOT NULL DEFAULT 0,
		cache_misses INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		missed_urls_json TEXT,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_task_results_run ON task_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// CreateRun records the start of an evaluation run and returns its ID.
func (s *Store) CreateRun(model, taskFile string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (id, model, task_file, started_at) VALUES (?, ?, ?, ?)`,
		runID, model, taskFile, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	logging.Results("run %s started (model=%s, tasks=%s)", runID, model, taskFile)
	return runID, nil
}

// SaveTaskResult persists one task's result under a run.
func (s *Store) SaveTaskResult(runID string, res eval.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	missedJSON, err := json.Marshal(res.MissedURLs)
	if err != nil {
		return fmt.Errorf("failed to marshal missed urls: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO task_results
		 (run_id, task_id, answer, correct, score_mode, score_detail, similarity,
		  steps, duration_ms, cache_hits, cache_misses, blocked, missed_urls_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.TaskID, res.Answer, boolToInt(res.Score.Correct),
		res.Score.Mode, res.Score.Detail, res.Score.Similarity,
		res.Steps, res.Duration.Milliseconds(),
		res.Intercept.Hits, res.Intercept.Misses, res.Intercept.Blocked,
		string(missedJSON), res.Err,
	)
	if err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

// FinishRun stamps the run's end time and aggregate counts.
func (s *Store) FinishRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE runs SET
			finished_at = ?,
			tasks_total = (SELECT COUNT(*) FROM task_results WHERE run_id = ?),
			tasks_correct = (SELECT COUNT(*) FROM task_results WHERE run_id = ? AND correct = 1)
		 WHERE id = ?`,
		time.Now().UTC(), runID, runID, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RunSummary is an aggregate view of one run.
type RunSummary struct {
	RunID        string
	Model        string
	TaskFile     string
	StartedAt    time.Time
	FinishedAt   time.Time
	TasksTotal   int
	TasksCorrect int
}

// Accuracy returns the fraction of correct tasks, or 0 for an empty run.
func (r RunSummary) Accuracy() float64 {
	if r.TasksTotal == 0 {
		return 0
	}
	return float64(r.TasksCorrect) / float64(r.TasksTotal)
}

// Summary loads the aggregate view of a run.
func (s *Store) Summary(runID string) (RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum RunSummary
	var taskFile sql.NullString
	var finished sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, model, task_file, started_at, finished_at, tasks_total, tasks_correct
		 FROM runs WHERE id = ?`, runID,
	).Scan(&sum.RunID, &sum.Model, &taskFile, &sum.StartedAt, &finished,
		&sum.TasksTotal, &sum.TasksCorrect)
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	sum.TaskFile = taskFile.String
	if finished.Valid {
		sum.FinishedAt = finished.Time
	}
	return sum, nil
}

// TaskResults loads all task results of a run in insertion order.
func (s *Store) TaskResults(runID string) ([]eval.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT task_id, answer, correct, score_mode, score_detail, similarity,
		        steps, duration_ms, cache_hits, cache_misses, blocked, missed_urls_json, error
		 FROM task_results WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var results []eval.TaskResult
	for rows.Next() {
		var res eval.TaskResult
		var correct int
		var durationMS int64
		var missedJSON sql.NullString
		var errText sql.NullString
		if err := rows.Scan(&res.TaskID, &res.Answer, &correct,
			&res.Score.Mode, &res.Score.Detail, &res.Score.Similarity,
			&res.Steps, &durationMS,
			&res.Intercept.Hits, &res.Intercept.Misses, &res.Intercept.Blocked,
			&missedJSON, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		res.Score.Correct = correct == 1
		res.Duration = time.Duration(durationMS) * time.Millisecond
		res.Err = errText.String
		if missedJSON.Valid && missedJSON.String != "" {
			if err := json.Unmarshal([]byte(missedJSON.String), &res.MissedURLs); err != nil {
				return nil, fmt.Errorf("failed to decode missed urls: %w", err)
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
