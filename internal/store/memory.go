package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// MemoryStore provides in-memory task storage operations
type MemoryStore struct {
	tasks map[string]*v1.Task
	steps map[string]map[int]v1.StepRecord
	mu    sync.RWMutex
}

// Ensure MemoryStore implements TaskStore interface
var _ TaskStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory task store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*v1.Task),
		steps: make(map[string]map[int]v1.StepRecord),
	}
}

// Close is a no-op for in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// CreateTask persists a new task record
func (s *MemoryStore) CreateTask(ctx context.Context, task *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	stored := *task
	s.tasks[task.ID] = &stored
	return nil
}

// GetTask retrieves a task by ID
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	copied := *task
	return &copied, nil
}

// UpdateTaskStatus atomically transitions a task's status and stamps last activity
func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return errors.NotFound("task", id)
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if update.EndTime != nil {
		task.CompletedAt = update.EndTime
	}
	if update.Result != nil {
		task.Result = update.Result
	}
	if update.Error != nil {
		task.ErrorMessage = update.Error
	}
	return nil
}

// AppendSteps upserts a batch of step records keyed by (task_id, step_number)
func (s *MemoryStore) AppendSteps(ctx context.Context, taskID string, steps []v1.StepRecord) error {
	if len(steps) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errors.NotFound("task", taskID)
	}

	byNumber, ok := s.steps[taskID]
	if !ok {
		byNumber = make(map[int]v1.StepRecord)
		s.steps[taskID] = byNumber
	}
	for _, step := range steps {
		step.TaskID = taskID
		byNumber[step.StepNumber] = step
		if step.StepNumber > task.StepsTaken {
			task.StepsTaken = step.StepNumber
		}
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTasks returns tasks matching the filter, newest first
func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.SessionID != "" && task.SessionID != filter.SessionID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		copied := *task
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return pageTasks(result, filter.Page), nil
}

// GetSteps returns a task's step records ordered by step number
func (s *MemoryStore) GetSteps(ctx context.Context, taskID string, page Page) ([]v1.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, errors.NotFound("task", taskID)
	}

	byNumber := s.steps[taskID]
	result := make([]v1.StepRecord, 0, len(byNumber))
	for _, step := range byNumber {
		result = append(result, step)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StepNumber < result[j].StepNumber
	})
	return pageSteps(result, page), nil
}

// GetScreenshots returns the task's screenshot refs in step order
func (s *MemoryStore) GetScreenshots(ctx context.Context, taskID string) ([]string, error) {
	steps, err := s.GetSteps(ctx, taskID, Page{})
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(steps))
	for _, step := range steps {
		if step.ScreenshotRef != "" {
			refs = append(refs, step.ScreenshotRef)
		}
	}
	return refs, nil
}

func pageTasks(tasks []*v1.Task, page Page) []*v1.Task {
	if page.Offset > 0 {
		if page.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(tasks) {
		tasks = tasks[:page.Limit]
	}
	return tasks
}

func pageSteps(steps []v1.StepRecord, page Page) []v1.StepRecord {
	if page.Offset > 0 {
		if page.Offset >= len(steps) {
			return nil
		}
		steps = steps[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(steps) {
		steps = steps[:page.Limit]
	}
	return steps
}
