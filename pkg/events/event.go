// Package events defines the event envelope published to session subscribers
// and bridged onto the event bus. It provides typed constructors, validation,
// and serialization helpers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the kind of subscriber event
type EventType string

const (
	// EventTypeStepUpdate carries one completed loop iteration of a task
	EventTypeStepUpdate EventType = "step_update"
	// EventTypeOverflow reports steps dropped from a full tracker buffer
	EventTypeOverflow EventType = "overflow"
	// EventTypeTerminal reports the final status of a task, exactly once
	EventTypeTerminal EventType = "terminal"
	// EventTypeConfirmationRequest asks a subscriber to approve a sensitive tap
	EventTypeConfirmationRequest EventType = "confirmation_request"
	// EventTypeTakeoverRequest asks a subscriber to complete a manual step
	EventTypeTakeoverRequest EventType = "takeover_request"
	// EventTypeDisconnected is the final frame sent to a dropped subscriber
	EventTypeDisconnected EventType = "disconnected"
)

// Event is the envelope delivered to subscribers
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	TaskID    string                 `json:"task_id"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, sessionID, taskID string, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		TaskID:    taskID,
		Data:      data,
	}
}

// MarshalJSON customizes JSON marshaling to use RFC3339 timestamps
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(e),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
	})
}

// Parse parses a JSON event into an Event struct
func Parse(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &evt, nil
}

// IsValid checks if the event has required fields
func (e *Event) IsValid() bool {
	return e.Type != "" && e.TaskID != ""
}

// Terminal reports whether this event ends the task's stream.
func (e *Event) Terminal() bool {
	return e.Type == EventTypeTerminal
}
