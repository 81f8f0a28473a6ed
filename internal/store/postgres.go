package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// PostgresStore provides PostgreSQL-based task storage operations
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements TaskStore interface
var _ TaskStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL task store using pgx.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
func NewPostgresStore(dsn string, maxConns, minConns int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *PostgresStore) initSchema() error {
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
		created_at TIMESTAMPTZ NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS steps (
		task_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		step_type TEXT NOT NULL,
		content TEXT DEFAULT '',
		screenshot_ref TEXT DEFAULT '',
		model_thought TEXT DEFAULT '',
		action TEXT DEFAULT '',
		action_params TEXT DEFAULT '{}',
		outcome TEXT NOT NULL,
		duration_ms BIGINT DEFAULT 0,
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateTask persists a new task record
func (s *PostgresStore) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, description, status, device_id, max_steps, language, steps_taken, result, error_message, created_at, last_activity, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, task.ID, task.SessionID, task.Description, task.Status, task.DeviceID, task.MaxSteps, task.Language, task.StepsTaken, task.Result, task.ErrorMessage, task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	if err != nil {
		return errors.Store("create task", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, description, status, device_id, max_steps, language, steps_taken, result, error_message, created_at, last_activity, end_time
		FROM tasks WHERE id = $1
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
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, update StatusUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = $1,
			last_activity = $2,
			end_time = COALESCE($3, end_time),
			result = COALESCE($4, result),
			error_message = COALESCE($5, error_message)
		WHERE id = $6
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
func (s *PostgresStore) AppendSteps(ctx context.Context, taskID string, steps []v1.StepRecord) error {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (task_id, step_number) DO UPDATE SET
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
		UPDATE tasks SET steps_taken = GREATEST(steps_taken, $1), last_activity = $2 WHERE id = $3
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
func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error) {
	query := `
		SELECT id, session_id, description, status, device_id, max_steps, language, steps_taken, result, error_message, created_at, last_activity, end_time
		FROM tasks WHERE 1=1`
	args := []interface{}{}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Page.Limit > 0 {
		args = append(args, filter.Page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Page.Offset > 0 {
		args = append(args, filter.Page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
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
func (s *PostgresStore) GetSteps(ctx context.Context, taskID string, page Page) ([]v1.StepRecord, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	query := `
		SELECT task_id, step_number, timestamp, step_type, content, screenshot_ref, model_thought, action, action_params, outcome, duration_ms
		FROM steps WHERE task_id = $1 ORDER BY step_number`
	args := []interface{}{taskID}
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Store("get steps", err)
	}
	defer rows.Close()

	return scanSteps(rows)
}

// GetScreenshots returns the task's screenshot refs in step order
func (s *PostgresStore) GetScreenshots(ctx context.Context, taskID string) ([]string, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT screenshot_ref FROM steps
		WHERE task_id = $1 AND screenshot_ref != '' ORDER BY step_number
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
