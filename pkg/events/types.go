package events

// StepUpdateData is the payload for step_update events
type StepUpdateData struct {
	TaskID        string                 `json:"task_id"`
	StepNumber    int                    `json:"step_number"`
	Thought       string                 `json:"thought"`
	Action        string                 `json:"action"`
	ActionParams  map[string]interface{} `json:"action_params,omitempty"`
	Outcome       string                 `json:"outcome"`
	Message       string                 `json:"message,omitempty"`
	ScreenshotRef string                 `json:"screenshot_ref,omitempty"`
	Success       bool                   `json:"success"`
	Finished      bool                   `json:"finished"`
}

// OverflowData is the payload for overflow events
type OverflowData struct {
	TaskID       string `json:"task_id"`
	DroppedCount int    `json:"dropped_count"`
}

// TerminalData is the payload for terminal events
type TerminalData struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"` // completed, error, stopped
	Message string `json:"message"`
}

// ConfirmationRequestData is the payload for confirmation_request events
type ConfirmationRequestData struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
}

// TakeoverRequestData is the payload for takeover_request events
type TakeoverRequestData struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
}

// DisconnectedData is the payload for disconnected events
type DisconnectedData struct {
	Reason string `json:"reason"`
}
