package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/device/apps"
	"github.com/droidpilot/droidpilot/internal/model"
	"github.com/droidpilot/droidpilot/internal/tracker"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
	"github.com/droidpilot/droidpilot/pkg/events"
)

// ModelClient is the slice of the model client the agent uses.
type ModelClient interface {
	Request(ctx context.Context, messages []model.Message) (*model.Response, error)
	ModelName() string
}

var _ ModelClient = (*model.Client)(nil)

// Sink receives the task's subscriber events. Implementations must not
// block; the session hub buffers per subscriber.
type Sink interface {
	Publish(evt *events.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt *events.Event)

func (f SinkFunc) Publish(evt *events.Event) { f(evt) }

// Config carries the per-task settings of one agent run.
type Config struct {
	TaskID        string
	SessionID     string
	Task          string // natural-language description
	DeviceID      string // empty means first connected device
	MaxSteps      int
	Language      string // cn, en
	Record        bool
	ScreenshotDir string
}

// Result is the terminal outcome of a run.
type Result struct {
	Status  v1.TaskStatus
	Message string
}

const (
	// consecutive malformed model replies tolerated before giving up
	maxParseFailures = 3
	// grace window for the final step flush after the loop ends
	flushGrace = 5 * time.Second
)

// Agent drives one task: screenshot, ask the model, execute the action,
// repeat until Finish, an error, cancellation, or the step budget runs
// out. One instance serves one task and is not reused.
type Agent struct {
	cfg      Config
	device   Device
	model    ModelClient
	apps     *apps.Registry
	tracker  *tracker.Tracker
	sink     Sink
	confirm  ConfirmationCallback
	takeover TakeoverCallback
	logger   *logger.Logger

	dispatcher *Dispatcher
	recorder   *Recorder
	context    []model.Message
	msgs       uiMessages
}

// New assembles an agent from its collaborators. The session manager owns
// construction; nothing here is shared across tasks except the device
// controller and the model client.
func New(
	cfg Config,
	dev Device,
	modelClient ModelClient,
	registry *apps.Registry,
	trk *tracker.Tracker,
	sink Sink,
	confirm ConfirmationCallback,
	takeover TakeoverCallback,
	log *logger.Logger,
) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 100
	}
	if sink == nil {
		sink = SinkFunc(func(*events.Event) {})
	}
	a := &Agent{
		cfg:      cfg,
		device:   dev,
		model:    modelClient,
		apps:     registry,
		tracker:  trk,
		sink:     sink,
		confirm:  confirm,
		takeover: takeover,
		logger:   log.WithSessionID(cfg.SessionID).WithTaskID(cfg.TaskID),
		msgs:     messagesFor(cfg.Language),
	}
	if cfg.Record {
		a.recorder = NewRecorder(cfg.ScreenshotDir, cfg.TaskID, a.logger)
	}
	return a
}

// Run drives the task to a terminal state and emits exactly one terminal
// event, whatever path the loop took. The returned Result mirrors that
// event.
func (a *Agent) Run(ctx context.Context) Result {
	a.logger.Info("task started",
		zap.String("description", a.cfg.Task),
		zap.Int("max_steps", a.cfg.MaxSteps))

	result := a.loop(ctx)

	a.recorder.Finish(result.Status == v1.TaskStatusCompleted)

	// The task context may already be cancelled; the grace flush gets
	// its own deadline so terminal steps still reach the store.
	flushCtx, cancel := context.WithTimeout(context.Background(), flushGrace)
	defer cancel()
	if _, err := a.tracker.Flush(flushCtx); err != nil && err != tracker.ErrClosed {
		a.logger.Warn("final step flush failed", zap.Error(err))
	}

	a.sink.Publish(events.NewTerminalEvent(a.cfg.SessionID, a.cfg.TaskID, events.TerminalData{
		TaskID:  a.cfg.TaskID,
		Status:  string(result.Status),
		Message: result.Message,
	}))

	a.logger.Info("task finished",
		zap.String("status", string(result.Status)),
		zap.String("message", result.Message))
	return result
}

func (a *Agent) loop(ctx context.Context) Result {
	deviceID, err := a.resolveDevice(ctx)
	if err != nil {
		a.logger.Error("device preflight failed", zap.Error(err))
		return Result{Status: v1.TaskStatusError, Message: errors.Message(err)}
	}
	a.dispatcher = NewDispatcher(a.device, a.apps, deviceID, a.cfg.TaskID,
		a.confirm, a.takeover, a.recorder, a.logger)
	a.recorder.Start(a.cfg.Task, deviceID, a.model.ModelName())

	a.context = []model.Message{model.SystemMessage(SystemPrompt(a.cfg.Language))}

	parseFailures := 0
	for n := 1; n <= a.cfg.MaxSteps; n++ {
		if ctx.Err() != nil {
			return a.stopped()
		}
		stepStart := time.Now()

		sc, err := a.device.Screenshot(ctx, deviceID)
		if err != nil {
			if ctx.Err() != nil {
				return a.stopped()
			}
			a.logger.Error("screenshot failed", zap.Int("step", n), zap.Error(err))
			a.emitErrorStep(n, nil, "", err, stepStart)
			return Result{Status: v1.TaskStatusError, Message: errors.Message(err)}
		}

		currentApp, err := a.device.CurrentApp(ctx, deviceID)
		if err != nil {
			if ctx.Err() != nil {
				return a.stopped()
			}
			// Non-critical: the model just sees an empty current_app.
			a.logger.Debug("current app lookup failed", zap.Error(err))
			currentApp = ""
		}

		a.pushUserTurn(n, sc, currentApp)

		reply, err := a.model.Request(ctx, a.context)
		if err != nil {
			if ctx.Err() != nil || errors.IsCancelled(err) {
				return a.stopped()
			}
			a.logger.Error("model request failed", zap.Int("step", n), zap.Error(err))
			a.emitErrorStep(n, sc, "", err, stepStart)
			return Result{Status: v1.TaskStatusError, Message: errors.Message(err)}
		}

		// The answered turn no longer needs its screenshot; keeping it
		// would grow the context by one image per step.
		a.context[len(a.context)-1] = model.StripImages(a.context[len(a.context)-1])
		a.context = append(a.context, model.AssistantMessage(
			fmt.Sprintf("<think>%s</think><answer>%s</answer>", reply.Thinking, reply.Action)))

		action, err := ParseAction(reply.Action)
		if err != nil {
			parseFailures++
			a.logger.Warn("malformed action text",
				zap.Int("step", n),
				zap.Int("consecutive", parseFailures),
				zap.String("text", reply.Action),
				zap.Error(err))
			if parseFailures >= maxParseFailures {
				return Result{Status: v1.TaskStatusError, Message: errors.Message(err)}
			}
			a.emitErrorStep(n, sc, reply.Thinking, err, stepStart)
			continue
		}
		parseFailures = 0

		outcome, err := a.dispatcher.Execute(ctx, action, sc.Width, sc.Height)
		if err != nil {
			if ctx.Err() != nil || errors.IsCancelled(err) {
				return a.stopped()
			}
			a.logger.Error("action failed",
				zap.Int("step", n),
				zap.String("action", action.Name()),
				zap.Error(err))
			a.emitErrorStep(n, sc, reply.Thinking, err, stepStart)
			return Result{Status: v1.TaskStatusError, Message: errors.Message(err)}
		}

		a.emitStep(n, sc, reply.Thinking, action, outcome, stepStart)

		if outcome.ShouldFinish {
			message := outcome.Message
			if message == "" {
				message = a.msgs.Completed
			}
			return Result{Status: v1.TaskStatusCompleted, Message: message}
		}
	}

	a.logger.Warn("step budget exhausted", zap.Int("max_steps", a.cfg.MaxSteps))
	return Result{Status: v1.TaskStatusError, Message: a.msgs.BudgetExhausted}
}

// resolveDevice picks the target device: the configured one, or the first
// adb reports as connected.
func (a *Agent) resolveDevice(ctx context.Context) (string, error) {
	if a.cfg.DeviceID != "" {
		return a.cfg.DeviceID, nil
	}
	devices, err := a.device.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.State == v1.DeviceStateConnected {
			a.logger.Info("using first connected device", zap.String("device_id", d.ID))
			return d.ID, nil
		}
	}
	return "", errors.NoDevice("")
}

func (a *Agent) stopped() Result {
	return Result{Status: v1.TaskStatusStopped, Message: a.msgs.Stopped}
}

// pushUserTurn appends the observation turn for step n. The first turn
// carries the task description ahead of the screen info line.
func (a *Agent) pushUserTurn(n int, sc *device.Screenshot, currentApp string) {
	screenInfo := model.ScreenInfo(currentApp)
	var text string
	if n == 1 {
		text = a.cfg.Task + "\n\n" + screenInfo
	} else {
		text = "** Screen Info **\n\n" + screenInfo
	}
	a.context = append(a.context,
		model.UserMessage(text, base64.StdEncoding.EncodeToString(sc.Data)))
}

// emitStep hands the completed step to the tracker and fans it out to
// subscribers. The screenshot reference starts as the local file name;
// the tracker swaps in the blob URL when it persists the record.
func (a *Agent) emitStep(n int, sc *device.Screenshot, thought string, action Action, outcome Outcome, started time.Time) {
	out := v1.OutcomeSuccess
	if !outcome.Success {
		out = v1.OutcomeFailure
	}
	ref := sc.FileName()
	a.tracker.Append(v1.StepRecord{
		TaskID:        a.cfg.TaskID,
		StepNumber:    n,
		Timestamp:     time.Now().UTC(),
		StepType:      v1.StepTypeAction,
		Content:       outcome.Message,
		ScreenshotRef: ref,
		ModelThought:  thought,
		Action:        action.Name(),
		ActionParams:  ActionParams(action),
		Outcome:       out,
		DurationMs:    time.Since(started).Milliseconds(),
	}, sc.Data)

	a.sink.Publish(events.NewStepUpdateEvent(a.cfg.SessionID, a.cfg.TaskID, events.StepUpdateData{
		TaskID:        a.cfg.TaskID,
		StepNumber:    n,
		Thought:       thought,
		Action:        action.Name(),
		ActionParams:  ActionParams(action),
		Outcome:       string(out),
		Message:       outcome.Message,
		ScreenshotRef: ref,
		Success:       outcome.Success,
		Finished:      outcome.ShouldFinish,
	}))
}

// emitErrorStep records a failed iteration with a structured payload so
// clients can render actionable guidance. Screenshot may be nil when the
// capture itself failed.
func (a *Agent) emitErrorStep(n int, sc *device.Screenshot, thought string, cause error, started time.Time) {
	payload := map[string]interface{}{
		"kind":   errors.Code(cause),
		"detail": errors.Message(cause),
	}
	record := v1.StepRecord{
		TaskID:       a.cfg.TaskID,
		StepNumber:   n,
		Timestamp:    time.Now().UTC(),
		StepType:     v1.StepTypeError,
		Content:      errors.Message(cause),
		ModelThought: thought,
		ActionParams: payload,
		Outcome:      v1.OutcomeFailure,
		DurationMs:   time.Since(started).Milliseconds(),
	}
	var data []byte
	if sc != nil {
		record.ScreenshotRef = sc.FileName()
		data = sc.Data
	}
	a.tracker.Append(record, data)

	a.sink.Publish(events.NewStepUpdateEvent(a.cfg.SessionID, a.cfg.TaskID, events.StepUpdateData{
		TaskID:        a.cfg.TaskID,
		StepNumber:    n,
		Thought:       thought,
		ActionParams:  payload,
		Outcome:       string(v1.OutcomeFailure),
		Message:       errors.Message(cause),
		ScreenshotRef: record.ScreenshotRef,
		Success:       false,
		Finished:      false,
	}))
}
