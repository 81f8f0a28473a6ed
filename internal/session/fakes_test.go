package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droidpilot/droidpilot/internal/agent"
	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/model"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stdout",
	})
	return log
}

// fakeDevice satisfies the agent's device surface with canned answers.
// Manager tests only care that tasks run; the input primitives are
// covered by the agent package.
type fakeDevice struct{}

var _ agent.Device = (*fakeDevice)(nil)

func (f *fakeDevice) Screenshot(ctx context.Context, deviceID string) (*device.Screenshot, error) {
	return &device.Screenshot{
		Data:      []byte{0x89, 'P', 'N', 'G'},
		Width:     1080,
		Height:    2400,
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeDevice) Tap(ctx context.Context, deviceID string, x, y int) error       { return nil }
func (f *fakeDevice) DoubleTap(ctx context.Context, deviceID string, x, y int) error { return nil }
func (f *fakeDevice) LongPress(ctx context.Context, deviceID string, x, y, durationMs int) error {
	return nil
}
func (f *fakeDevice) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error {
	return nil
}
func (f *fakeDevice) KeyEvent(ctx context.Context, deviceID string, key device.Key) error {
	return nil
}
func (f *fakeDevice) TypeText(ctx context.Context, deviceID, text string) error   { return nil }
func (f *fakeDevice) LaunchApp(ctx context.Context, deviceID, pkg string) error   { return nil }
func (f *fakeDevice) CurrentApp(ctx context.Context, deviceID string) (string, error) {
	return "com.android.launcher3", nil
}
func (f *fakeDevice) ListDevices(ctx context.Context) ([]v1.DeviceInfo, error) {
	return []v1.DeviceInfo{
		{ID: "emulator-5554", State: v1.DeviceStateConnected, Transport: v1.TransportTCPIP},
	}, nil
}

// scriptedModel replays a fixed sequence of action texts, or blocks
// until cancellation when built with blockingModel.
type scriptedModel struct {
	mu      sync.Mutex
	replies []model.Response
	calls   int
	block   bool
}

var _ agent.ModelClient = (*scriptedModel)(nil)

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

// blockingModel never answers; its tasks end only through cancellation.
func blockingModel() *scriptedModel {
	return &scriptedModel{block: true}
}

func (m *scriptedModel) ModelName() string { return "stub-model" }

func (m *scriptedModel) Request(ctx context.Context, messages []model.Message) (*model.Response, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
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
