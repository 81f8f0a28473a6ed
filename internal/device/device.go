package device

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/config"
	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// Key is a named Android key event.
type Key string

const (
	KeyBack      Key = "KEYCODE_BACK"
	KeyHome      Key = "KEYCODE_HOME"
	KeyEnter     Key = "KEYCODE_ENTER"
	KeyAppSwitch Key = "KEYCODE_APP_SWITCH"
	KeyPower     Key = "KEYCODE_POWER"
)

const (
	doubleTapGap     = 100 * time.Millisecond
	minLongPressMs   = 500
	launchPollPeriod = 500 * time.Millisecond
	swipeSettleExtra = 200 * time.Millisecond
)

// Controller executes screen and input operations against devices.
// Operations targeting the same device are serialized; distinct devices
// may proceed concurrently.
type Controller struct {
	runner *Runner
	cfg    config.ADBConfig
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewController creates a Controller on top of the given adb runner.
func NewController(runner *Runner, cfg config.ADBConfig, log *logger.Logger) *Controller {
	return &Controller{
		runner: runner,
		cfg:    cfg,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Runner exposes the underlying adb runner for collaborators that issue
// their own commands (connection management, emulator provisioning).
func (c *Controller) Runner() *Runner {
	return c.runner
}

func (c *Controller) lockDevice(deviceID string) func() {
	c.mu.Lock()
	lock, ok := c.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[deviceID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Screenshot captures the current frame. Secure surfaces that yield an
// empty, non-PNG, or fully black payload produce a synthesized black frame
// flagged sensitive instead of an error.
func (c *Controller) Screenshot(ctx context.Context, deviceID string) (*Screenshot, error) {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	now := time.Now()
	data, err := c.runner.Run(ctx, c.cfg.ScreenshotTimeoutDuration(), deviceID, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		c.logger.Warn("empty screencap payload, treating as sensitive surface",
			zap.String("device_id", deviceID))
		return newSensitiveScreenshot(now), nil
	}

	width, height, err := parsePNGSize(data)
	if err != nil {
		c.logger.Warn("screencap payload is not a valid PNG, treating as sensitive surface",
			zap.String("device_id", deviceID), zap.Error(err))
		return newSensitiveScreenshot(now), nil
	}
	if isAllBlack(data) {
		c.logger.Info("screencap returned a fully black frame, treating as sensitive surface",
			zap.String("device_id", deviceID))
		return newSensitiveScreenshot(now), nil
	}

	return &Screenshot{
		Data:      data,
		Width:     width,
		Height:    height,
		Timestamp: now,
	}, nil
}

// Tap issues a single tap at pixel coordinates.
func (c *Controller) Tap(ctx context.Context, deviceID string, x, y int) error {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	if _, err := c.inputTap(ctx, deviceID, x, y); err != nil {
		return err
	}
	return sleepCtx(ctx, c.cfg.SettleDelay())
}

// DoubleTap issues two taps in quick succession at the same point.
func (c *Controller) DoubleTap(ctx context.Context, deviceID string, x, y int) error {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	if _, err := c.inputTap(ctx, deviceID, x, y); err != nil {
		return err
	}
	if err := sleepCtx(ctx, doubleTapGap); err != nil {
		return err
	}
	if _, err := c.inputTap(ctx, deviceID, x, y); err != nil {
		return err
	}
	return sleepCtx(ctx, c.cfg.SettleDelay())
}

// LongPress holds a point for at least 500ms, implemented as a zero-length swipe.
func (c *Controller) LongPress(ctx context.Context, deviceID string, x, y, durationMs int) error {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	if durationMs < minLongPressMs {
		durationMs = minLongPressMs
	}
	_, err := c.runner.Shell(ctx, c.cfg.InputTimeoutDuration(), deviceID,
		"input", "swipe",
		strconv.Itoa(clampNonNegative(x)), strconv.Itoa(clampNonNegative(y)),
		strconv.Itoa(clampNonNegative(x)), strconv.Itoa(clampNonNegative(y)),
		strconv.Itoa(durationMs))
	if err != nil {
		return err
	}
	return sleepCtx(ctx, c.cfg.SettleDelay())
}

// Swipe drags from one point to another over durationMs milliseconds.
// The settle delay grows with the swipe duration.
func (c *Controller) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	if durationMs <= 0 {
		durationMs = 300
	}
	_, err := c.runner.Shell(ctx, c.cfg.InputTimeoutDuration()+time.Duration(durationMs)*time.Millisecond, deviceID,
		"input", "swipe",
		strconv.Itoa(clampNonNegative(x1)), strconv.Itoa(clampNonNegative(y1)),
		strconv.Itoa(clampNonNegative(x2)), strconv.Itoa(clampNonNegative(y2)),
		strconv.Itoa(durationMs))
	if err != nil {
		return err
	}
	return sleepCtx(ctx, time.Duration(durationMs)*time.Millisecond+swipeSettleExtra)
}

// KeyEvent injects a named key event.
func (c *Controller) KeyEvent(ctx context.Context, deviceID string, key Key) error {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	if _, err := c.runner.Shell(ctx, c.cfg.InputTimeoutDuration(), deviceID, "input", "keyevent", string(key)); err != nil {
		return err
	}
	return sleepCtx(ctx, c.cfg.SettleDelay())
}

// LaunchApp starts an app by package id and confirms the launch by polling
// the foreground package within the launch timeout window.
func (c *Controller) LaunchApp(ctx context.Context, deviceID, packageID string) error {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	window := c.cfg.LaunchTimeoutDuration()
	deadline := time.Now().Add(window)
	launchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	out, err := c.runner.Shell(launchCtx, window, deviceID,
		"monkey", "-p", packageID, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if strings.Contains(out, "monkey aborted") || strings.Contains(out, "No activities found") {
		return errors.AdbIO("monkey -p "+packageID, nil)
	}

	for {
		current, err := c.currentAppLocked(launchCtx, deviceID)
		if err == nil && current == packageID {
			c.logger.Info("app launch confirmed",
				zap.String("device_id", deviceID), zap.String("package", packageID))
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		if err := sleepCtx(launchCtx, launchPollPeriod); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			break
		}
	}
	return errors.Timeout("launch "+packageID, window)
}

// CurrentApp returns the package of the top resumed activity.
func (c *Controller) CurrentApp(ctx context.Context, deviceID string) (string, error) {
	unlock := c.lockDevice(deviceID)
	defer unlock()
	return c.currentAppLocked(ctx, deviceID)
}

var activityPackageRe = regexp.MustCompile(`([A-Za-z][A-Za-z0-9_.]*)/[^ }]+`)

// currentAppLocked must be called with the device lock held.
func (c *Controller) currentAppLocked(ctx context.Context, deviceID string) (string, error) {
	out, err := c.runner.Shell(ctx, c.cfg.DumpsysTimeoutDuration(), deviceID, "dumpsys", "activity", "activities")
	if err != nil {
		return "", err
	}
	if pkg := parseTopPackage(out); pkg != "" {
		return pkg, nil
	}
	return "", errors.AdbIO("dumpsys activity activities", nil)
}

// parseTopPackage extracts the foreground package from dumpsys output,
// preferring the most authoritative marker available.
func parseTopPackage(out string) string {
	markers := []string{"topResumedActivity", "mResumedActivity", "mFocusedApp", "mCurrentFocus"}
	for _, marker := range markers {
		for _, line := range strings.Split(out, "\n") {
			if !strings.Contains(line, marker) {
				continue
			}
			if m := activityPackageRe.FindStringSubmatch(line); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

// ScreenSize returns the device display dimensions from `wm size`.
func (c *Controller) ScreenSize(ctx context.Context, deviceID string) (int, int, error) {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	out, err := c.runner.Shell(ctx, c.cfg.DumpsysTimeoutDuration(), deviceID, "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	return parseScreenSize(out)
}

func parseScreenSize(out string) (int, int, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "size") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 2 {
			continue
		}
		size := strings.TrimSpace(parts[len(parts)-1])
		dims := strings.Split(size, "x")
		if len(dims) != 2 {
			continue
		}
		width, err := strconv.Atoi(strings.TrimSpace(dims[0]))
		if err != nil {
			continue
		}
		height, err := strconv.Atoi(strings.TrimSpace(dims[1]))
		if err != nil {
			continue
		}
		return width, height, nil
	}
	return 0, 0, errors.AdbIO("wm size", nil)
}

// ListDevices enumerates attached devices from `adb devices -l`.
func (c *Controller) ListDevices(ctx context.Context) ([]v1.DeviceInfo, error) {
	out, err := c.runner.RunText(ctx, c.cfg.DumpsysTimeoutDuration(), "", "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDeviceList(out), nil
}

func parseDeviceList(out string) []v1.DeviceInfo {
	devices := make([]v1.DeviceInfo, 0)
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "List of devices attached") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}

		info := v1.DeviceInfo{
			ID:        fields[0],
			State:     v1.DeviceState(fields[1]),
			Transport: v1.TransportUSB,
		}
		if strings.Contains(fields[0], ":") {
			info.Transport = v1.TransportTCPIP
		}
		for _, field := range fields[2:] {
			if strings.HasPrefix(field, "model:") {
				info.Model = strings.TrimPrefix(field, "model:")
			}
		}
		devices = append(devices, info)
	}
	return devices
}

func (c *Controller) inputTap(ctx context.Context, deviceID string, x, y int) (string, error) {
	return c.runner.Shell(ctx, c.cfg.InputTimeoutDuration(), deviceID,
		"input", "tap", strconv.Itoa(clampNonNegative(x)), strconv.Itoa(clampNonNegative(y)))
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
