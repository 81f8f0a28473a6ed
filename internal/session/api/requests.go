// Package api provides HTTP handlers for the session and task API.
package api

import (
	"time"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// CreateSessionRequest for creating a session
type CreateSessionRequest struct {
	UserID string `json:"user_id"`
}

// StartTaskRequest for starting a task inside a session
type StartTaskRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	Description string `json:"description" binding:"required"`
	DeviceID    string `json:"device_id,omitempty"`
	MaxSteps    int    `json:"max_steps,omitempty"`
	Language    string `json:"language,omitempty"`
	Record      *bool  `json:"record,omitempty"`
}

// UpdateConfigRequest replaces the defaults applied to subsequent tasks.
// Nil fields keep their current values.
type UpdateConfigRequest struct {
	Model *ModelConfigUpdate `json:"model,omitempty"`
	Agent *AgentConfigUpdate `json:"agent,omitempty"`
}

// ModelConfigUpdate for changing the model endpoint defaults
type ModelConfigUpdate struct {
	BaseURL     *string  `json:"base_url,omitempty"`
	Name        *string  `json:"name,omitempty"`
	APIKey      *string  `json:"api_key,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// AgentConfigUpdate for changing the agent loop defaults
type AgentConfigUpdate struct {
	MaxSteps *int    `json:"max_steps,omitempty"`
	Language *string `json:"language,omitempty"`
	Record   *bool   `json:"record,omitempty"`
}

// Response types

// SessionsListResponse for listing sessions
type SessionsListResponse struct {
	Sessions []*v1.Session `json:"sessions"`
	Total    int           `json:"total"`
}

// TasksListResponse for listing tasks
type TasksListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// StepsListResponse for listing the steps of a task
type StepsListResponse struct {
	Steps []v1.StepRecord `json:"steps"`
	Total int             `json:"total"`
}

// ModelConfigView is the model configuration with the API key masked
type ModelConfigView struct {
	BaseURL     string  `json:"base_url"`
	Name        string  `json:"name"`
	APIKey      string  `json:"api_key"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// AgentConfigView is the agent loop default configuration
type AgentConfigView struct {
	MaxSteps int    `json:"max_steps"`
	Language string `json:"language"`
	Record   bool   `json:"record"`
}

// ConfigResponse for reading the runtime configuration
type ConfigResponse struct {
	Model ModelConfigView `json:"model"`
	Agent AgentConfigView `json:"agent"`
}

// HealthResponse for the health endpoint
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
