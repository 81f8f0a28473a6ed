package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/device/apps"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// Device is the slice of the device controller the agent drives.
type Device interface {
	Screenshot(ctx context.Context, deviceID string) (*device.Screenshot, error)
	Tap(ctx context.Context, deviceID string, x, y int) error
	DoubleTap(ctx context.Context, deviceID string, x, y int) error
	LongPress(ctx context.Context, deviceID string, x, y, durationMs int) error
	Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error
	KeyEvent(ctx context.Context, deviceID string, key device.Key) error
	TypeText(ctx context.Context, deviceID, text string) error
	LaunchApp(ctx context.Context, deviceID, packageID string) error
	CurrentApp(ctx context.Context, deviceID string) (string, error)
	ListDevices(ctx context.Context) ([]v1.DeviceInfo, error)
}

var _ Device = (*device.Controller)(nil)

// Outcome is the dispatcher's report of one executed action.
type Outcome struct {
	Success      bool
	ShouldFinish bool
	Message      string
}

const (
	longPressDurationMs = 500
	defaultSwipeMs      = 300
	maxWait             = 30 * time.Second
)

// Dispatcher translates parsed actions into device calls. It is a pure
// translation layer: no model or network calls, and no retries. Protocol
// refusals (unknown app, user denial) come back inside the Outcome; a
// non-nil error means the device operation itself failed.
type Dispatcher struct {
	device   Device
	apps     *apps.Registry
	confirm  ConfirmationCallback
	takeover TakeoverCallback
	recorder *Recorder
	logger   *logger.Logger
	deviceID string
	taskID   string
}

// NewDispatcher wires a dispatcher for one task on one device. Nil
// callbacks default to auto-approve and immediate takeover return;
// recorder may be nil when recording is off.
func NewDispatcher(dev Device, registry *apps.Registry, deviceID, taskID string,
	confirm ConfirmationCallback, takeover TakeoverCallback,
	rec *Recorder, log *logger.Logger) *Dispatcher {
	if confirm == nil {
		confirm = AutoApprove()
	}
	if takeover == nil {
		takeover = NoTakeover()
	}
	return &Dispatcher{
		device:   dev,
		apps:     registry,
		confirm:  confirm,
		takeover: takeover,
		recorder: rec,
		logger:   log.WithTaskID(taskID).WithDeviceID(deviceID),
		deviceID: deviceID,
		taskID:   taskID,
	}
}

// Execute runs one action against the device and reports the outcome.
// Screen dimensions come from the screenshot the action was decided on,
// so relative coordinates land on the frame the model actually saw.
func (d *Dispatcher) Execute(ctx context.Context, action Action, screenW, screenH int) (Outcome, error) {
	switch a := action.(type) {
	case Launch:
		return d.launch(ctx, a)

	case Tap:
		if a.SensitiveMessage != "" {
			approved, err := d.confirm.Confirm(ctx, d.taskID, a.SensitiveMessage)
			if err != nil {
				return Outcome{}, err
			}
			if !approved {
				d.logger.Info("sensitive tap denied by user",
					zap.String("message", a.SensitiveMessage))
				return Outcome{Success: true, Message: "user denied"}, nil
			}
		}
		x, y := a.Element.Pixel(screenW, screenH)
		if err := d.device.Tap(ctx, d.deviceID, x, y); err != nil {
			return Outcome{}, err
		}
		d.recorder.Tap(x, y)
		return Outcome{Success: true}, nil

	case DoubleTap:
		x, y := a.Element.Pixel(screenW, screenH)
		if err := d.device.DoubleTap(ctx, d.deviceID, x, y); err != nil {
			return Outcome{}, err
		}
		d.recorder.DoubleTap(x, y)
		return Outcome{Success: true}, nil

	case LongPress:
		x, y := a.Element.Pixel(screenW, screenH)
		if err := d.device.LongPress(ctx, d.deviceID, x, y, longPressDurationMs); err != nil {
			return Outcome{}, err
		}
		d.recorder.LongPress(x, y, longPressDurationMs)
		return Outcome{Success: true}, nil

	case Swipe:
		x1, y1 := a.Start.Pixel(screenW, screenH)
		x2, y2 := a.End.Pixel(screenW, screenH)
		ms := int(a.Duration / time.Millisecond)
		if ms <= 0 {
			ms = defaultSwipeMs
		}
		if err := d.device.Swipe(ctx, d.deviceID, x1, y1, x2, y2, ms); err != nil {
			return Outcome{}, err
		}
		d.recorder.Swipe(x1, y1, x2, y2, ms)
		return Outcome{Success: true}, nil

	case Type:
		if err := d.device.TypeText(ctx, d.deviceID, a.Text); err != nil {
			return Outcome{}, err
		}
		d.recorder.Type(a.Text)
		return Outcome{Success: true}, nil

	case Back:
		if err := d.device.KeyEvent(ctx, d.deviceID, device.KeyBack); err != nil {
			return Outcome{}, err
		}
		d.recorder.Key(device.KeyBack)
		return Outcome{Success: true}, nil

	case Home:
		if err := d.device.KeyEvent(ctx, d.deviceID, device.KeyHome); err != nil {
			return Outcome{}, err
		}
		d.recorder.Key(device.KeyHome)
		return Outcome{Success: true}, nil

	case Wait:
		return d.wait(ctx, a)

	case TakeOver:
		d.logger.Info("takeover requested", zap.String("message", a.Message))
		if err := d.takeover.TakeOver(ctx, d.taskID, a.Message); err != nil {
			return Outcome{}, err
		}
		return Outcome{Success: true, Message: a.Message}, nil

	case Finish:
		return Outcome{Success: true, ShouldFinish: true, Message: a.Message}, nil

	default:
		return Outcome{}, errors.MalformedResponse(fmt.Sprintf("no dispatch rule for %T", action))
	}
}

func (d *Dispatcher) launch(ctx context.Context, a Launch) (Outcome, error) {
	packageID, ok := d.apps.Resolve(a.App)
	if !ok {
		d.logger.Warn("app not in registry", zap.String("app", a.App))
		return Outcome{Success: false, Message: "app not supported: " + a.App}, nil
	}
	if err := d.device.LaunchApp(ctx, d.deviceID, packageID); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, err
		}
		// Launch not confirmed within the window. The model sees the
		// failure and decides what to do next; no retry here.
		d.logger.Warn("app launch failed",
			zap.String("package", packageID), zap.Error(err))
		return Outcome{Success: false, Message: "launch failed: " + a.App}, nil
	}
	d.recorder.Launch(packageID)
	return Outcome{Success: true}, nil
}

// wait sleeps for the action's duration, clamped to (0, 30s]. Out-of-range
// durations are clamped with a warning rather than rejected.
func (d *Dispatcher) wait(ctx context.Context, a Wait) (Outcome, error) {
	dur := clampWait(a.Duration)
	if dur != a.Duration {
		d.logger.Warn("wait duration out of range, clamped",
			zap.Duration("requested", a.Duration), zap.Duration("clamped", dur))
	}
	if dur > 0 {
		if err := sleepCtx(ctx, dur); err != nil {
			return Outcome{}, err
		}
		d.recorder.Sleep(dur)
	}
	return Outcome{Success: true}, nil
}

func clampWait(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
