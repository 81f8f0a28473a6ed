package v1

import "time"

// TaskStatus represents the lifecycle status of an automation task
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
	TaskStatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError || s == TaskStatusStopped
}

// StepType classifies what a step record captures
type StepType string

const (
	StepTypeThinking   StepType = "thinking"
	StepTypeAction     StepType = "action"
	StepTypeScreenshot StepType = "screenshot"
	StepTypeError      StepType = "error"
	StepTypeValidation StepType = "validation"
)

// Outcome represents the result of a dispatched action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
	OutcomeSkipped Outcome = "skipped"
)

// StepRecord is one observed step of a running task
type StepRecord struct {
	TaskID        string                 `json:"task_id"`
	StepNumber    int                    `json:"step_number"`
	Timestamp     time.Time              `json:"timestamp"`
	StepType      StepType               `json:"step_type"`
	Content       string                 `json:"content"`
	ScreenshotRef string                 `json:"screenshot_ref,omitempty"`
	ModelThought  string                 `json:"model_thought,omitempty"`
	Action        string                 `json:"action,omitempty"`
	ActionParams  map[string]interface{} `json:"action_params,omitempty"`
	Outcome       Outcome                `json:"outcome"`
	DurationMs    int64                  `json:"duration_ms"`
}

// Task represents a single automation task bound to a session and device
type Task struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	DeviceID     string     `json:"device_id,omitempty"`
	MaxSteps     int        `json:"max_steps"`
	Language     string     `json:"language"`
	StepsTaken   int        `json:"steps_taken"`
	Result       *string    `json:"result,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Session represents a client session that runs tasks one at a time
type Session struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	RunningTaskID   *string    `json:"running_task_id,omitempty"`
	SubscriberCount int        `json:"subscriber_count"`
	LastActivityAt  *time.Time `json:"last_activity_at,omitempty"`
}
