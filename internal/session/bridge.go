package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/logger"
	subjects "github.com/droidpilot/droidpilot/internal/events"
	"github.com/droidpilot/droidpilot/internal/events/bus"
	"github.com/droidpilot/droidpilot/pkg/events"
)

// publishTimeout bounds a single bus publish from the bridge.
const publishTimeout = 5 * time.Second

// Bridge republishes task lifecycle events onto the event bus so other
// processes can observe running tasks without holding a WebSocket.
// Interactive request/reply traffic never crosses the bridge; it only
// makes sense on the socket that can answer it.
type Bridge struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewBridge wires a bridge to the bus. Register its Forward method as a
// hub tap.
func NewBridge(eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "event_bridge")),
	}
}

// Forward maps one subscriber event to its bus subject and publishes
// it. Events without a bus mapping are dropped silently.
func (b *Bridge) Forward(evt *events.Event) {
	if b.eventBus == nil || evt.TaskID == "" {
		return
	}

	var kind, eventType string
	switch evt.Type {
	case events.EventTypeStepUpdate:
		kind, eventType = "step", subjects.TaskStepUpdate
	case events.EventTypeOverflow:
		kind, eventType = "overflow", subjects.TaskOverflow
	case events.EventTypeTerminal:
		kind, eventType = "terminal", subjects.TaskTerminal
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	subject := subjects.TaskSubject(evt.TaskID, kind)
	if err := b.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "session-manager", evt.Data)); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("task_id", evt.TaskID),
			zap.Error(err))
	}
}
