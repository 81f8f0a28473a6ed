package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/model"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
	"github.com/droidpilot/droidpilot/pkg/events"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stdout",
	})
	return log
}

// fakeDevice implements Device and records every input operation as a
// line, so tests can assert which adb calls would have been issued.
// State reads (screenshot, current app, device list) are not recorded.
type fakeDevice struct {
	mu    sync.Mutex
	calls []string

	ScreenshotFn  func(ctx context.Context, deviceID string) (*device.Screenshot, error)
	TapFn         func(ctx context.Context, deviceID string, x, y int) error
	LaunchAppFn   func(ctx context.Context, deviceID, packageID string) error
	TypeTextFn    func(ctx context.Context, deviceID, text string) error
	CurrentAppFn  func(ctx context.Context, deviceID string) (string, error)
	ListDevicesFn func(ctx context.Context) ([]v1.DeviceInfo, error)
}

var _ Device = (*fakeDevice)(nil)

func (f *fakeDevice) record(format string, args ...interface{}) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevice) Screenshot(ctx context.Context, deviceID string) (*device.Screenshot, error) {
	if f.ScreenshotFn != nil {
		return f.ScreenshotFn(ctx, deviceID)
	}
	return &device.Screenshot{
		Data:      []byte{0x89, 'P', 'N', 'G'},
		Width:     1080,
		Height:    2400,
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeDevice) Tap(ctx context.Context, deviceID string, x, y int) error {
	if f.TapFn != nil {
		if err := f.TapFn(ctx, deviceID, x, y); err != nil {
			return err
		}
	}
	f.record("tap %d %d", x, y)
	return nil
}

func (f *fakeDevice) DoubleTap(ctx context.Context, deviceID string, x, y int) error {
	f.record("doubletap %d %d", x, y)
	return nil
}

func (f *fakeDevice) LongPress(ctx context.Context, deviceID string, x, y, durationMs int) error {
	f.record("longpress %d %d %d", x, y, durationMs)
	return nil
}

func (f *fakeDevice) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error {
	f.record("swipe %d %d %d %d %d", x1, y1, x2, y2, durationMs)
	return nil
}

func (f *fakeDevice) KeyEvent(ctx context.Context, deviceID string, key device.Key) error {
	f.record("keyevent %s", key)
	return nil
}

func (f *fakeDevice) TypeText(ctx context.Context, deviceID, text string) error {
	if f.TypeTextFn != nil {
		if err := f.TypeTextFn(ctx, deviceID, text); err != nil {
			return err
		}
	}
	f.record("type %s", text)
	return nil
}

func (f *fakeDevice) LaunchApp(ctx context.Context, deviceID, packageID string) error {
	if f.LaunchAppFn != nil {
		if err := f.LaunchAppFn(ctx, deviceID, packageID); err != nil {
			return err
		}
	}
	f.record("launch %s", packageID)
	return nil
}

func (f *fakeDevice) CurrentApp(ctx context.Context, deviceID string) (string, error) {
	if f.CurrentAppFn != nil {
		return f.CurrentAppFn(ctx, deviceID)
	}
	return "com.android.launcher3", nil
}

func (f *fakeDevice) ListDevices(ctx context.Context) ([]v1.DeviceInfo, error) {
	if f.ListDevicesFn != nil {
		return f.ListDevicesFn(ctx)
	}
	return []v1.DeviceInfo{
		{ID: "emulator-5554", State: v1.DeviceStateConnected, Transport: v1.TransportTCPIP},
	}, nil
}

// scriptedModel replays a fixed sequence of action texts. When the
// script runs out it fails permanently, which no test should reach.
type scriptedModel struct {
	mu      sync.Mutex
	replies []model.Response
	calls   int

	RequestFn func(ctx context.Context, messages []model.Message) (*model.Response, error)
}

var _ ModelClient = (*scriptedModel)(nil)

func scripted(actions ...string) *scriptedModel {
	replies := make([]model.Response, len(actions))
	for i, action := range actions {
		replies[i] = model.Response{
			Thinking:   fmt.Sprintf("thinking about step %d", i+1),
			Action:     action,
			RawContent: fmt.Sprintf("<think>thinking about step %d</think><answer>%s</answer>", i+1, action),
		}
	}
	return &scriptedModel{replies: replies}
}

func (m *scriptedModel) ModelName() string { return "stub-model" }

func (m *scriptedModel) Request(ctx context.Context, messages []model.Message) (*model.Response, error) {
	if m.RequestFn != nil {
		return m.RequestFn(ctx, messages)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.replies) {
		return nil, errors.ModelPermanent(400, "model script exhausted")
	}
	reply := m.replies[m.calls]
	m.calls++
	return &reply, nil
}

func (m *scriptedModel) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// eventCollector is a Sink that captures everything published.
type eventCollector struct {
	mu   sync.Mutex
	evts []*events.Event
}

func (c *eventCollector) Publish(evt *events.Event) {
	c.mu.Lock()
	c.evts = append(c.evts, evt)
	c.mu.Unlock()
}

func (c *eventCollector) Events() []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*events.Event(nil), c.evts...)
}

func (c *eventCollector) ofType(t events.EventType) []*events.Event {
	var out []*events.Event
	for _, evt := range c.Events() {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}
