package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// SQLiteStore provides SQLite-based task storage operations
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements TaskStore interface
var _ TaskStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite task store. dsn is a go-sqlite3
// connection string; a bare file path gets WAL and foreign keys enabled.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		device_id TEXT DEFAULT '',
		max_steps INTEGER DEFAULT 0,
		language TEXT DEFAULT '',
		steps_taken INTEGER DEFAULT 0,
		result TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL,
		end_time DATETIME
	);

	CREATE TABLE IF NOT EXISTS steps (
		task_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		step_type TEXT NOT NULL,
		content TEXT DEFAULT '',
		screenshot_ref TEXT DEFAULT '',
		model_thought TEXT DEFAULT '',
		action TEXT DEFAULT '',
		action_params TEXT DEFAULT '{}',
		outcome TEXT NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		PRIMARY KEY (task_id, step_number),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_steps_task_id ON steps(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask persists a new task record
func (s *SQLiteStore) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, description, status, device_id, max_steps, language, steps_taken, result, error_message, created_at, last_activity, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.SessionID, task.Description, task.Status, task.DeviceID, task.MaxSteps, task.Language, task.StepsTaken, task.Result, task.ErrorMessage, task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	if err != nil {
		return errors.Store("create task", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, description, status, device_id, max_steps, language, steps_taken, result, error_message, created_at, last_activity, end_time
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("task", id)
	}
	if err != nil {
		return nil, errors.Store("get task", err)
	}
	return task, nil
}

// UpdateTaskStatus atomically transitions a task's status and stamps last activity
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, update StatusUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			last_activity = ?,
			end_time = COALESCE(?, end_time),
			result = COALESCE(?, result),
			error_message = COALESCE(?, error_message)
		WHERE id = ?
	`, status, time.Now().UTC(), update.EndTime, update.Result, update.Error, id)
	if err != nil {
		return errors.Store("update task status", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("task", id)
	}
	return nil
}

// AppendSteps upserts a batch of step records keyed by (task_id, step_number)
func (s *SQLiteStore) AppendSteps(ctx context.Context, taskID string, steps []v1.StepRecord) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Store("append steps", err)
	}
	defer tx.Rollback()

	maxStep := 0
	for _, step := range steps {
		params, err := json.Marshal(step.ActionParams)
		if err != nil {
			params = []byte("{}")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (task_id, step_number, timestamp, step_type, content, screenshot_ref, model_thought, action, action_params, outcome, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, step_number) DO UPDATE SET
				timestamp = excluded.timestamp,
				step_type = excluded.step_type,
				content = excluded.content,
				screenshot_ref = excluded.screenshot_ref,
				model_thought = excluded.model_thought,
				action = excluded.action,
				action_params = excluded.action_params,
				outcome = excluded.outcome,
				duration_ms = excluded.duration_ms
		`, taskID, step.StepNumber, step.Timestamp, step.StepType, step.Content, step.ScreenshotRef, step.ModelThought, step.Action, string(params), step.Outcome, step.DurationMs)
		if err != nil {
			return errors.Store("append steps", err)
		}
		if step.StepNumber > maxStep {
			maxStep = step.StepNumber
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET steps_taken = MAX(steps_taken, ?), last_activity = ? WHERE id = ?
	`, maxStep, time.Now().UTC(), taskID)
	if err != nil {
		return errors.Store("append steps", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Store("append steps", err)
	}
	return nil
}

// ListTasks returns tasks matching the filter, newest first
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error) {
	query := `
		SELECT id, session_id, description, status, device_id, max_steps, language, steps_taken, result, error_message, created_at, last_activity, end_time
		FROM tasks WHERE 1=1`
	args := []interface{}{}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if filter.Page.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Page.Limit)
	}
	if filter.Page.Offset > 0 {
		if filter.Page.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Store("list tasks", err)
	}
	defer rows.Close()

	var result []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Store("list tasks", err)
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("list tasks", err)
	}
	return result, nil
}

// GetSteps returns a task's step records ordered by step number
func (s *SQLiteStore) GetSteps(ctx context.Context, taskID string, page Page) ([]v1.StepRecord, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	query := `
		SELECT task_id, step_number, timestamp, step_type, content, screenshot_ref, model_thought, action, action_params, outcome, duration_ms
		FROM steps WHERE task_id = ? ORDER BY step_number`
	args := []interface{}{taskID}
	if page.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, page.Limit)
	}
	if page.Offset > 0 {
		if page.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Store("get steps", err)
	}
	defer rows.Close()

	return scanSteps(rows)
}

// GetScreenshots returns the task's screenshot refs in step order
func (s *SQLiteStore) GetScreenshots(ctx context.Context, taskID string) ([]string, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT screenshot_ref FROM steps
		WHERE task_id = ? AND screenshot_ref != '' ORDER BY step_number
	`, taskID)
	if err != nil {
		return nil, errors.Store("get screenshots", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Store("get screenshots", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("get screenshots", err)
	}
	return refs, nil
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTask scans a single task row
func scanTask(row rowScanner) (*v1.Task, error) {
	task := &v1.Task{}
	var result, errorMessage sql.NullString
	var endTime sql.NullTime

	err := row.Scan(&task.ID, &task.SessionID, &task.Description, &task.Status, &task.DeviceID, &task.MaxSteps, &task.Language, &task.StepsTaken, &result, &errorMessage, &task.CreatedAt, &task.UpdatedAt, &endTime)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		task.Result = &result.String
	}
	if errorMessage.Valid {
		task.ErrorMessage = &errorMessage.String
	}
	if endTime.Valid {
		utc := endTime.Time.UTC()
		task.CompletedAt = &utc
	}
	return task, nil
}

// scanSteps scans multiple step rows
func scanSteps(rows *sql.Rows) ([]v1.StepRecord, error) {
	var result []v1.StepRecord
	for rows.Next() {
		var step v1.StepRecord
		var params string
		err := rows.Scan(&step.TaskID, &step.StepNumber, &step.Timestamp, &step.StepType, &step.Content, &step.ScreenshotRef, &step.ModelThought, &step.Action, &params, &step.Outcome, &step.DurationMs)
		if err != nil {
			return nil, errors.Store("get steps", err)
		}
		_ = json.Unmarshal([]byte(params), &step.ActionParams)
		result = append(result, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("get steps", err)
	}
	return result, nil
}
