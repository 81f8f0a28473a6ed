// Package events provides event types and utilities for the droidpilot event system.
package events

import "fmt"

// Event types for tasks
const (
	TaskStarted    = "task.started"
	TaskStepUpdate = "task.step_update"
	TaskOverflow   = "task.overflow"
	TaskTerminal   = "task.terminal"
)

// Event types for devices
const (
	DeviceConnected    = "device.connected"
	DeviceDisconnected = "device.disconnected"
)

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionClosed  = "session.closed"
)

// TaskSubject returns the bus subject for a task event kind.
// Kinds follow the subscriber event names: step, overflow, terminal.
func TaskSubject(taskID, kind string) string {
	return fmt.Sprintf("task.%s.%s", taskID, kind)
}

// TaskWildcard matches every event of every task.
const TaskWildcard = "task.>"

// DeviceSubject returns the bus subject for a device event kind.
func DeviceSubject(deviceID, kind string) string {
	return fmt.Sprintf("device.%s.%s", deviceID, kind)
}
