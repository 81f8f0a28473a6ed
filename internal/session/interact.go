package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/agent"
	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/pkg/events"
)

const (
	// defaultConfirmTimeout bounds how long a task waits for a sensitive
	// tap to be approved before treating it as denied.
	defaultConfirmTimeout = 2 * time.Minute
	// defaultTakeoverTimeout bounds how long a task waits for the user to
	// finish a manual hand-off before resuming on its own.
	defaultTakeoverTimeout = 10 * time.Minute
)

// Interact correlates confirmation and takeover questions published to
// a session's subscribers with the replies that come back over the
// wire. Each outstanding question holds a reply channel in a pending
// map keyed by request id.
type Interact struct {
	hub    *Hub
	logger *logger.Logger

	confirmTimeout  time.Duration
	takeoverTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewInteract creates the coordinator over the given hub.
func NewInteract(hub *Hub, log *logger.Logger) *Interact {
	return &Interact{
		hub:             hub,
		logger:          log.WithFields(zap.String("component", "interact")),
		confirmTimeout:  defaultConfirmTimeout,
		takeoverTimeout: defaultTakeoverTimeout,
		pending:         make(map[string]chan bool),
	}
}

// Confirmer returns the confirmation callback for one task. The
// question is published as a confirmation_request event; the reply
// arrives through Resolve. With nobody subscribed the question cannot
// reach anyone, so it auto-approves, matching the headless default.
func (i *Interact) Confirmer(sessionID, taskID string) agent.ConfirmationCallback {
	return agent.ConfirmFunc(func(ctx context.Context, _, message string) (bool, error) {
		if i.hub.SubscriberCount(sessionID) == 0 {
			i.logger.Info("no subscribers attached, auto-approving sensitive action",
				zap.String("task_id", taskID))
			return true, nil
		}

		id, replies := i.register()
		defer i.unregister(id)

		i.hub.Publish(events.NewConfirmationRequestEvent(sessionID, taskID, events.ConfirmationRequestData{
			RequestID: id,
			TaskID:    taskID,
			Message:   message,
		}))
		i.logger.Info("confirmation requested",
			zap.String("task_id", taskID),
			zap.String("request_id", id))

		select {
		case approved := <-replies:
			return approved, nil
		case <-time.After(i.confirmTimeout):
			i.logger.Warn("confirmation timed out, denying",
				zap.String("task_id", taskID),
				zap.String("request_id", id))
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})
}

// Takeover returns the takeover callback for one task. A reply of true
// resumes the task; false stops it the same way the stop endpoint
// would. A timeout resumes, on the assumption the user finished and
// walked away.
func (i *Interact) Takeover(sessionID, taskID string) agent.TakeoverCallback {
	return agent.TakeoverFunc(func(ctx context.Context, _, message string) error {
		if i.hub.SubscriberCount(sessionID) == 0 {
			i.logger.Info("no subscribers attached, skipping takeover wait",
				zap.String("task_id", taskID))
			return nil
		}

		id, replies := i.register()
		defer i.unregister(id)

		i.hub.Publish(events.NewTakeoverRequestEvent(sessionID, taskID, events.TakeoverRequestData{
			RequestID: id,
			TaskID:    taskID,
			Message:   message,
		}))
		i.logger.Info("takeover requested",
			zap.String("task_id", taskID),
			zap.String("request_id", id))

		select {
		case done := <-replies:
			if !done {
				return errors.Cancelled(taskID)
			}
			return nil
		case <-time.After(i.takeoverTimeout):
			i.logger.Warn("takeover wait timed out, resuming",
				zap.String("task_id", taskID),
				zap.String("request_id", id))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Resolve delivers a reply for an outstanding request. It reports
// whether the request id was still pending.
func (i *Interact) Resolve(requestID string, approved bool) bool {
	i.mu.Lock()
	replies, ok := i.pending[requestID]
	i.mu.Unlock()
	if !ok {
		i.logger.Warn("reply for unknown request", zap.String("request_id", requestID))
		return false
	}
	select {
	case replies <- approved:
		return true
	default:
		// A second reply for the same id; the first one won.
		return false
	}
}

func (i *Interact) register() (string, chan bool) {
	id := uuid.New().String()
	replies := make(chan bool, 1)
	i.mu.Lock()
	i.pending[id] = replies
	i.mu.Unlock()
	return id, replies
}

func (i *Interact) unregister(id string) {
	i.mu.Lock()
	delete(i.pending, id)
	i.mu.Unlock()
}
