// Package device encapsulates every interaction with adb: screenshots, input
// injection, text entry through the helper IME, app launching, and device
// discovery. All operations against the same device are serialized.
package device

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
)

// Runner executes adb commands with a bounded timeout.
type Runner struct {
	path   string
	logger *logger.Logger
}

// NewRunner creates a Runner invoking the given adb binary.
func NewRunner(path string, log *logger.Logger) *Runner {
	if path == "" {
		path = "adb"
	}
	return &Runner{path: path, logger: log}
}

// Run executes an adb command, prepending -s when a serial is given.
// It returns stdout bytes; a non-zero exit surfaces stderr in the error.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, serial string, args ...string) ([]byte, error) {
	cmdArgs := append([]string(nil), args...)
	if serial != "" {
		cmdArgs = append([]string{"-s", serial}, cmdArgs...)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, r.path, cmdArgs...)
	output, err := cmd.Output()
	elapsed := time.Since(started)

	r.logger.Debug("adb command",
		zap.String("args", strings.Join(cmdArgs, " ")),
		zap.Duration("elapsed", elapsed),
		zap.Bool("ok", err == nil))

	if err == nil {
		return output, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return output, errors.Timeout("adb "+firstArg(cmdArgs), elapsed)
	}
	if ctx.Err() == context.Canceled {
		return output, ctx.Err()
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		stderr := strings.TrimSpace(string(exitErr.Stderr))
		// adb quotes the serial: "error: device 'ghost' not found". Older
		// builds emit "error: device not found" without one.
		if strings.Contains(stderr, "device offline") ||
			(strings.Contains(stderr, "device") && strings.Contains(stderr, "not found")) {
			return output, errors.NoDevice(serial)
		}
		if stderr != "" {
			return output, errors.AdbIO(strings.Join(cmdArgs, " "), exitErr)
		}
	}
	return output, errors.AdbIO(strings.Join(cmdArgs, " "), err)
}

// RunText executes an adb command and returns trimmed stdout as a string.
func (r *Runner) RunText(ctx context.Context, timeout time.Duration, serial string, args ...string) (string, error) {
	output, err := r.Run(ctx, timeout, serial, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// Shell executes `adb shell <args>`.
func (r *Runner) Shell(ctx context.Context, timeout time.Duration, serial string, args ...string) (string, error) {
	return r.RunText(ctx, timeout, serial, append([]string{"shell"}, args...)...)
}

func firstArg(args []string) string {
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		if a == "-s" {
			skip = true
			continue
		}
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}
