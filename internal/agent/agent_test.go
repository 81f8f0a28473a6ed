package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/device/apps"
	"github.com/droidpilot/droidpilot/internal/model"
	"github.com/droidpilot/droidpilot/internal/store"
	"github.com/droidpilot/droidpilot/internal/tracker"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
	"github.com/droidpilot/droidpilot/pkg/events"
)

// agentHarness wires an Agent to in-memory collaborators: a fake device,
// a scripted model, a memory task store behind a real tracker, and an
// event collector standing in for the session hub.
type agentHarness struct {
	dev   *fakeDevice
	stub  *scriptedModel
	tasks *store.MemoryStore
	sink  *eventCollector
	agent *Agent
}

func newAgentHarness(t *testing.T, cfg Config, stub *scriptedModel, dev *fakeDevice,
	confirm ConfirmationCallback, takeover TakeoverCallback) *agentHarness {
	t.Helper()

	if cfg.TaskID == "" {
		cfg.TaskID = "task-1"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "session-1"
	}
	if cfg.Task == "" {
		cfg.Task = "open the mail app"
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 10
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if dev == nil {
		dev = &fakeDevice{}
	}

	log := newTestLogger()
	tasks := store.NewMemoryStore()
	blobs, err := store.NewFileBlobStore(t.TempDir(), "/screenshots")
	require.NoError(t, err)

	require.NoError(t, tasks.CreateTask(context.Background(), &v1.Task{
		ID:          cfg.TaskID,
		SessionID:   cfg.SessionID,
		Description: cfg.Task,
		Status:      v1.TaskStatusRunning,
		MaxSteps:    cfg.MaxSteps,
		Language:    cfg.Language,
	}))

	trk, err := tracker.New(cfg.TaskID, tasks, blobs, tracker.Config{SpillDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trk.Close() })

	sink := &eventCollector{}
	return &agentHarness{
		dev:   dev,
		stub:  stub,
		tasks: tasks,
		sink:  sink,
		agent: New(cfg, dev, stub, apps.NewRegistry(), trk, sink, confirm, takeover, log),
	}
}

func (h *agentHarness) steps(t *testing.T) []v1.StepRecord {
	t.Helper()
	recs, err := h.tasks.GetSteps(context.Background(), h.agent.cfg.TaskID, store.Page{})
	require.NoError(t, err)
	return recs
}

func TestRunFinishImmediately(t *testing.T) {
	h := newAgentHarness(t, Config{TaskID: "t-finish"},
		scripted(`finish(message="ok")`), nil, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusCompleted, res.Status)
	assert.Equal(t, "ok", res.Message)
	assert.Empty(t, h.dev.Calls(), "finish must not touch the device")

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Data["step_number"])
	assert.Equal(t, "Finish", steps[0].Data["action"])
	assert.Equal(t, "thinking about step 1", steps[0].Data["thought"])
	assert.Equal(t, true, steps[0].Data["success"])
	assert.Equal(t, true, steps[0].Data["finished"])

	terms := h.sink.ofType(events.EventTypeTerminal)
	require.Len(t, terms, 1)
	assert.Equal(t, string(v1.TaskStatusCompleted), terms[0].Data["status"])
	assert.Equal(t, "ok", terms[0].Data["message"])

	recs := h.steps(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "Finish", recs[0].Action)
	assert.Equal(t, v1.OutcomeSuccess, recs[0].Outcome)
	assert.Equal(t, "/screenshots/task/t-finish/step/1.png", recs[0].ScreenshotRef)
}

func TestRunLaunchThenFinish(t *testing.T) {
	h := newAgentHarness(t, Config{TaskID: "t-launch"}, scripted(
		`do(action="Launch", app="微信")`,
		`finish(message="done")`,
	), nil, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusCompleted, res.Status)
	assert.Equal(t, "done", res.Message)
	assert.Equal(t, []string{"launch com.tencent.mm"}, h.dev.Calls())
	assert.Equal(t, 2, h.stub.Requests())

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Data["step_number"])
	assert.Equal(t, "Launch", steps[0].Data["action"])
	assert.Equal(t, 2, steps[1].Data["step_number"])
	assert.Equal(t, "Finish", steps[1].Data["action"])

	recs := h.steps(t)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].StepNumber)
	assert.Equal(t, 2, recs[1].StepNumber)
}

func TestRunSensitiveTapDenied(t *testing.T) {
	h := newAgentHarness(t, Config{}, scripted(
		`do(action="Tap", element=[500, 500], message="confirm the transfer?")`,
		`finish(message="stopping here")`,
	), nil, AutoDeny(), nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusCompleted, res.Status)
	assert.Empty(t, h.dev.Calls(), "denied tap must not reach the device")

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 2)
	assert.Equal(t, "Tap", steps[0].Data["action"])
	assert.Equal(t, true, steps[0].Data["success"], "denial is not a device failure")
	assert.Equal(t, "user denied", steps[0].Data["message"])

	recs := h.steps(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "user denied", recs[0].Content)
}

func TestRunStepBudgetExhausted(t *testing.T) {
	h := newAgentHarness(t, Config{MaxSteps: 3}, scripted(
		`do(action="Wait", duration="0 seconds")`,
		`do(action="Wait", duration="0 seconds")`,
		`do(action="Wait", duration="0 seconds")`,
	), nil, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusError, res.Status)
	assert.Equal(t, "step budget exhausted", res.Message)
	assert.Equal(t, 3, h.stub.Requests())

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 3)
	for i, evt := range steps {
		assert.Equal(t, i+1, evt.Data["step_number"])
	}

	terms := h.sink.ofType(events.EventTypeTerminal)
	require.Len(t, terms, 1)
	assert.Equal(t, string(v1.TaskStatusError), terms[0].Data["status"])
	assert.Equal(t, "step budget exhausted", terms[0].Data["message"])
}

func TestRunStopsOnCancellation(t *testing.T) {
	stub := &scriptedModel{
		RequestFn: func(ctx context.Context, _ []model.Message) (*model.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newAgentHarness(t, Config{}, stub, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result, 1)
	go func() { results <- h.agent.Run(ctx) }()

	time.Sleep(50 * time.Millisecond) // let the run reach the model call
	cancel()
	cancelled := time.Now()

	var res Result
	select {
	case res = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.Less(t, time.Since(cancelled), 2*time.Second)
	assert.Equal(t, v1.TaskStatusStopped, res.Status)
	assert.Equal(t, "task stopped by user", res.Message)

	// The interrupted iteration leaves no trace: no step events, nothing
	// persisted, and the terminal event is the last thing published.
	assert.Empty(t, h.sink.ofType(events.EventTypeStepUpdate))
	assert.Empty(t, h.steps(t))
	all := h.sink.Events()
	require.Len(t, all, 1)
	assert.Equal(t, events.EventTypeTerminal, all[0].Type)
	assert.Equal(t, string(v1.TaskStatusStopped), all[0].Data["status"])
}

func TestRunConsecutiveParseFailures(t *testing.T) {
	h := newAgentHarness(t, Config{}, scripted(
		"garbled()",
		"garbled()",
		"garbled()",
	), nil, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusError, res.Status)
	assert.Equal(t, "no action call found", res.Message)
	assert.Equal(t, 3, h.stub.Requests())

	// Two recoverable error steps; the third strike terminates without
	// emitting another one.
	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 2)
	for _, evt := range steps {
		assert.Equal(t, false, evt.Data["success"])
		params, ok := evt.Data["action_params"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, errors.ErrCodeMalformedResponse, params["kind"])
	}

	terms := h.sink.ofType(events.EventTypeTerminal)
	require.Len(t, terms, 1)
	assert.Equal(t, string(v1.TaskStatusError), terms[0].Data["status"])

	recs := h.steps(t)
	require.Len(t, recs, 2)
	assert.Equal(t, v1.StepTypeError, recs[0].StepType)
	assert.Equal(t, v1.StepTypeError, recs[1].StepType)
}

func TestRunParseFailureThenRecovery(t *testing.T) {
	h := newAgentHarness(t, Config{}, scripted(
		"I tapped the button already",
		`finish(message="all good")`,
	), nil, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusCompleted, res.Status)
	assert.Equal(t, "all good", res.Message)

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 2)
	assert.Equal(t, false, steps[0].Data["success"])
	assert.Equal(t, "Finish", steps[1].Data["action"])
}

func TestRunModelFailureTerminates(t *testing.T) {
	// An empty script fails permanently on the first request.
	h := newAgentHarness(t, Config{}, scripted(), nil, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusError, res.Status)
	assert.Contains(t, res.Message, "model request rejected")

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 1)
	params, ok := steps[0].Data["action_params"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeModelPermanent, params["kind"])
}

func TestRunDeviceFailureTerminates(t *testing.T) {
	dev := &fakeDevice{
		TapFn: func(ctx context.Context, deviceID string, x, y int) error {
			return errors.AdbIO("input tap", context.DeadlineExceeded)
		},
	}
	h := newAgentHarness(t, Config{}, scripted(
		`do(action="Tap", element=[100, 100])`,
	), dev, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusError, res.Status)
	assert.Equal(t, "adb input tap failed", res.Message)
	assert.Empty(t, h.dev.Calls())

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 1)
	params, ok := steps[0].Data["action_params"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeAdbIO, params["kind"])

	terms := h.sink.ofType(events.EventTypeTerminal)
	require.Len(t, terms, 1)
}

func TestRunScreenshotFailureTerminates(t *testing.T) {
	dev := &fakeDevice{
		ScreenshotFn: func(ctx context.Context, deviceID string) (*device.Screenshot, error) {
			return nil, errors.AdbIO("screencap", context.DeadlineExceeded)
		},
	}
	h := newAgentHarness(t, Config{}, scripted(`finish(message="unreached")`), dev, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusError, res.Status)
	assert.Equal(t, "adb screencap failed", res.Message)
	assert.Equal(t, 0, h.stub.Requests())

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 1)
	assert.Equal(t, "", steps[0].Data["screenshot_ref"], "no capture to reference")
}

func TestRunNoConnectedDevice(t *testing.T) {
	dev := &fakeDevice{
		ListDevicesFn: func(ctx context.Context) ([]v1.DeviceInfo, error) {
			return nil, nil
		},
	}
	h := newAgentHarness(t, Config{DeviceID: ""}, scripted(`finish(message="unreached")`), dev, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusError, res.Status)
	assert.Equal(t, "no device connected", res.Message)
	assert.Empty(t, h.sink.ofType(events.EventTypeStepUpdate))

	terms := h.sink.ofType(events.EventTypeTerminal)
	require.Len(t, terms, 1)
	assert.Equal(t, string(v1.TaskStatusError), terms[0].Data["status"])
}

func TestRunResolvesFirstConnectedDevice(t *testing.T) {
	var seen []string
	dev := &fakeDevice{
		ScreenshotFn: func(ctx context.Context, deviceID string) (*device.Screenshot, error) {
			seen = append(seen, deviceID)
			return (&fakeDevice{}).Screenshot(ctx, deviceID)
		},
		ListDevicesFn: func(ctx context.Context) ([]v1.DeviceInfo, error) {
			return []v1.DeviceInfo{
				{ID: "emulator-5554", State: v1.DeviceStateOffline},
				{ID: "emulator-5556", State: v1.DeviceStateConnected},
			}, nil
		},
	}
	h := newAgentHarness(t, Config{DeviceID: ""}, scripted(`finish(message="ok")`), dev, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusCompleted, res.Status)
	assert.Equal(t, []string{"emulator-5556"}, seen)
}

func TestRunTakeoverHandsControlToUser(t *testing.T) {
	var messages []string
	takeover := TakeoverFunc(func(ctx context.Context, taskID, message string) error {
		messages = append(messages, message)
		return nil
	})
	h := newAgentHarness(t, Config{}, scripted(
		`do(action="Take Over", message="please finish the login captcha")`,
		`finish(message="done")`,
	), nil, nil, takeover)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusCompleted, res.Status)
	assert.Equal(t, []string{"please finish the login captcha"}, messages)

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 2)
	// The event carries the canonical verb, not the model's spaced spelling.
	assert.Equal(t, "TakeOver", steps[0].Data["action"])
	assert.Equal(t, true, steps[0].Data["success"])
}

func TestRunPersistsStepsInOrder(t *testing.T) {
	h := newAgentHarness(t, Config{TaskID: "t-order"}, scripted(
		`do(action="Launch", app="wechat")`,
		`do(action="Type", text="hello")`,
		`do(action="Swipe", start=[500, 800], end=[500, 200])`,
		`finish(message="ok")`,
	), nil, nil, nil)

	res := h.agent.Run(context.Background())
	require.Equal(t, v1.TaskStatusCompleted, res.Status)

	recs := h.steps(t)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.StepNumber)
		assert.Equal(t, "t-order", rec.TaskID)
		assert.True(t, strings.HasPrefix(rec.ScreenshotRef, "/screenshots/task/t-order/step/"),
			"ref %q not rewritten to blob URL", rec.ScreenshotRef)
	}
	assert.Equal(t, []string{
		"launch com.tencent.mm",
		"type hello",
		"swipe 540 1920 540 480 300",
	}, h.dev.Calls())
}

func TestRunUnknownAppStaysInBand(t *testing.T) {
	h := newAgentHarness(t, Config{}, scripted(
		`do(action="Launch", app="definitely not installed")`,
		`finish(message="gave up")`,
	), nil, nil, nil)

	res := h.agent.Run(context.Background())

	assert.Equal(t, v1.TaskStatusCompleted, res.Status, "unknown app must not kill the task")
	assert.Empty(t, h.dev.Calls())

	steps := h.sink.ofType(events.EventTypeStepUpdate)
	require.Len(t, steps, 2)
	assert.Equal(t, false, steps[0].Data["success"])
	assert.Equal(t, "app not supported: definitely not installed", steps[0].Data["message"])
}
