// Package store persists tasks, step history, and screenshot blobs.
//
// TaskStore implementations back the REST history endpoints and the
// step tracker's batched writes; BlobStore holds screenshot bytes and
// hands back URLs that clients can fetch. Both are safe for concurrent
// use.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/droidpilot/droidpilot/internal/common/config"
	"github.com/droidpilot/droidpilot/internal/common/errors"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// StatusUpdate carries the optional fields of a task status transition.
// Nil fields are left untouched; last_activity is stamped on every call.
type StatusUpdate struct {
	EndTime *time.Time
	Result  *string
	Error   *string
}

// Page bounds a list query. A zero or negative Limit means no limit.
type Page struct {
	Offset int
	Limit  int
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	SessionID string
	Status    v1.TaskStatus
	Page      Page
}

// TaskStore defines the interface for task and step storage operations
type TaskStore interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, task *v1.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*v1.Task, error)

	// UpdateTaskStatus atomically transitions a task's status and stamps
	// its last-activity time. Optional terminal fields come from update.
	UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, update StatusUpdate) error

	// AppendSteps writes a batch of step records for a task. Replaying a
	// batch that was already written is safe: rows are upserted on
	// (task_id, step_number), so retries after a partial failure never
	// produce duplicates.
	AppendSteps(ctx context.Context, taskID string, steps []v1.StepRecord) error

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error)

	// GetSteps returns a task's step records ordered by step number.
	GetSteps(ctx context.Context, taskID string, page Page) ([]v1.StepRecord, error)

	// GetScreenshots returns the task's screenshot refs in step order.
	GetScreenshots(ctx context.Context, taskID string) ([]string, error)

	// Close closes the store (for database connections)
	Close() error
}

// BlobStore stores opaque blobs (screenshots) addressed by key.
type BlobStore interface {
	// Put writes a blob and returns the URL it is served under.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ScreenshotKey returns the blob key for a task step's screenshot.
func ScreenshotKey(taskID string, stepNumber int) string {
	return fmt.Sprintf("task/%s/step/%d.png", taskID, stepNumber)
}

// Open creates the task store selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (TaskStore, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLiteDSN())
	case "postgres":
		return NewPostgresStore(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
	default:
		return nil, errors.BadRequest(fmt.Sprintf("unknown database driver: %s", cfg.Driver))
	}
}
