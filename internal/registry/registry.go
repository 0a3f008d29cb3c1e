// Package registry implements the run registry: a small embedded
// relational store of run/task/log rows shared by the Worker, the Engine,
// and operator tooling, backed by database/sql and the sqlite3 driver.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status values for a Run.
const (
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a run id has no matching row.
var ErrNotFound = errors.New("registry: run not found")

// ProjectConfig is the blob stored alongside a Run: the project's name,
// absolute path, and quality-gate commands.
type ProjectConfig struct {
	Name             string `json:"name"`
	Path             string `json:"path"`
	CheckCommand     string `json:"check_command,omitempty"`
	PreCheckCommand  string `json:"pre_check_command,omitempty"`
}

// Run is one row of the runs table.
type Run struct {
	ID               string
	Status           string
	CreatedAt        time.Time
	ChangeID         string
	ProjectConfig    ProjectConfig
	CurrentIteration int
	MaxIterations    int
	LastTaskID       string
}

// Task is one row of the tasks table.
type Task struct {
	ID     string
	RunID  string
	Title  string
	Status string
}

// LogLevel values for the logs table.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Store is the run registry, backed by a sqlite3 database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping registry db %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			change_id TEXT NOT NULL,
			project_config TEXT NOT NULL,
			current_iteration INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL DEFAULT 10,
			last_task_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (run_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_run_id ON logs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	ensureColumn(s.db, "runs", "last_task_id", "TEXT")
	return nil
}

// ensureColumn adds a column to an existing table if it is missing,
// probing the live schema with PRAGMA table_info rather than depending on
// a migration-numbering framework.
func ensureColumn(db *sql.DB, table, column, definition string) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return
		}
	}
	db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
}

// CreateRun inserts a new run row in the running status.
func (s *Store) CreateRun(id, changeID string, cfg ProjectConfig, maxIterations int) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, status, created_at, change_id, project_config, current_iteration, max_iterations, last_task_id)
		 VALUES (?, ?, ?, ?, ?, 0, ?, NULL)`,
		id, StatusRunning, time.Now().Unix(), changeID, string(blob), maxIterations,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", id, err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, status, created_at, change_id, project_config, current_iteration, max_iterations, last_task_id
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// ListRunning returns every run currently in the running status, the only
// state the Worker treats as actionable.
func (s *Store) ListRunning() ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT id, status, created_at, change_id, project_config, current_iteration, max_iterations, last_task_id
		 FROM runs WHERE status = ?`, StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(r scanner) (*Run, error) {
	var (
		run          Run
		createdAtSec int64
		projectBlob  string
		lastTaskID   sql.NullString
	)
	err := r.Scan(&run.ID, &run.Status, &createdAtSec, &run.ChangeID, &projectBlob,
		&run.CurrentIteration, &run.MaxIterations, &lastTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	run.CreatedAt = time.Unix(createdAtSec, 0).UTC()
	run.LastTaskID = lastTaskID.String
	if err := json.Unmarshal([]byte(projectBlob), &run.ProjectConfig); err != nil {
		return nil, fmt.Errorf("unmarshal project config for run %s: %w", run.ID, err)
	}
	return &run, nil
}

// UpdateStatus sets a run's status.
func (s *Store) UpdateStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update status for run %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// UpdateIteration sets a run's current iteration and last task id.
func (s *Store) UpdateIteration(id string, iteration int, lastTaskID string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET current_iteration = ?, last_task_id = ? WHERE id = ?`,
		iteration, nullableString(lastTaskID), id,
	)
	if err != nil {
		return fmt.Errorf("update iteration for run %s: %w", id, err)
	}
	return checkAffected(res, id)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for run %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog appends a log line to a run's log stream.
func (s *Store) AppendLog(runID, level, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO logs (run_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
		runID, level, message, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("append log for run %s: %w", runID, err)
	}
	return nil
}

// UpsertTask inserts or updates a task row for a run.
func (s *Store) UpsertTask(runID, id, title, status string) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, run_id, title, status) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, id) DO UPDATE SET title = excluded.title, status = excluded.status`,
		id, runID, title, status,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s for run %s: %w", id, runID, err)
	}
	return nil
}

// Log is one row of the logs table.
type Log struct {
	ID        int64
	RunID     string
	Level     string
	Message   string
	Timestamp time.Time
}

// ListLogsSince returns every log row with id greater than afterID, across
// all runs, ordered oldest first. Used by operator tooling to tail the
// registry without a live connection to the process that wrote the logs.
func (s *Store) ListLogsSince(afterID int64) ([]Log, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, level, message, timestamp FROM logs WHERE id > ? ORDER BY id ASC`, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list logs since %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []Log
	for rows.Next() {
		var l Log
		var ts int64
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		l.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListRuns returns every run row, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT id, status, created_at, change_id, project_config, current_iteration, max_iterations, last_task_id
		 FROM runs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListTasks returns every task row for a run.
func (s *Store) ListTasks(runID string) ([]Task, error) {
	rows, err := s.db.Query(`SELECT id, run_id, title, status FROM tasks WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.RunID, &t.Title, &t.Status); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
