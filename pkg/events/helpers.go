package events

// NewStepUpdateEvent creates a new step_update event
func NewStepUpdateEvent(sessionID, taskID string, data StepUpdateData) *Event {
	return NewEvent(EventTypeStepUpdate, sessionID, taskID, map[string]interface{}{
		"task_id":        data.TaskID,
		"step_number":    data.StepNumber,
		"thought":        data.Thought,
		"action":         data.Action,
		"action_params":  data.ActionParams,
		"outcome":        data.Outcome,
		"message":        data.Message,
		"screenshot_ref": data.ScreenshotRef,
		"success":        data.Success,
		"finished":       data.Finished,
	})
}

// NewOverflowEvent creates a new overflow event
func NewOverflowEvent(sessionID, taskID string, data OverflowData) *Event {
	return NewEvent(EventTypeOverflow, sessionID, taskID, map[string]interface{}{
		"task_id":       data.TaskID,
		"dropped_count": data.DroppedCount,
	})
}

// NewTerminalEvent creates a new terminal event
func NewTerminalEvent(sessionID, taskID string, data TerminalData) *Event {
	return NewEvent(EventTypeTerminal, sessionID, taskID, map[string]interface{}{
		"task_id": data.TaskID,
		"status":  data.Status,
		"message": data.Message,
	})
}

// NewConfirmationRequestEvent creates a new confirmation_request event
func NewConfirmationRequestEvent(sessionID, taskID string, data ConfirmationRequestData) *Event {
	return NewEvent(EventTypeConfirmationRequest, sessionID, taskID, map[string]interface{}{
		"request_id": data.RequestID,
		"task_id":    data.TaskID,
		"message":    data.Message,
	})
}

// NewTakeoverRequestEvent creates a new takeover_request event
func NewTakeoverRequestEvent(sessionID, taskID string, data TakeoverRequestData) *Event {
	return NewEvent(EventTypeTakeoverRequest, sessionID, taskID, map[string]interface{}{
		"request_id": data.RequestID,
		"task_id":    data.TaskID,
		"message":    data.Message,
	})
}

// NewDisconnectedEvent creates a new disconnected event
func NewDisconnectedEvent(sessionID, taskID string, reason string) *Event {
	return NewEvent(EventTypeDisconnected, sessionID, taskID, map[string]interface{}{
		"reason": reason,
	})
}
