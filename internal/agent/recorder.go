package agent

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device"
)

// Recorder appends every dispatched device operation to a replay script,
// one adb shell command per line, so a recorded task can be replayed with
// nothing but adb. A write failure disables the recorder for the rest of
// the task; recording never fails a step. All methods are safe on a nil
// receiver, which is how an agent with recording off carries it.
type Recorder struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	disabled bool
	logger   *logger.Logger
}

// NewRecorder creates a recorder writing to <dir>/scripts/<taskID>.txt.
// Nothing is opened until Start.
func NewRecorder(dir, taskID string, log *logger.Logger) *Recorder {
	return &Recorder{
		path:   filepath.Join(dir, "scripts", taskID+".txt"),
		logger: log,
	}
}

// Path returns the script file location.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Start opens the script file and writes the header.
func (r *Recorder) Start(task, deviceID, modelName string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.disable(err)
		return
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		r.disable(err)
		return
	}
	r.file = f
	r.writeLine("# task: " + task)
	r.writeLine("# device: " + deviceID)
	r.writeLine("# model: " + modelName)
	r.writeLine("# started: " + time.Now().UTC().Format(time.RFC3339))
}

// Finish writes the trailer and closes the script.
func (r *Recorder) Finish(success bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	r.writeLine("# result: " + result)
	r.file.Close()
	r.file = nil
}

func (r *Recorder) Tap(x, y int) {
	r.record(fmt.Sprintf("input tap %d %d", x, y))
}

func (r *Recorder) DoubleTap(x, y int) {
	line := fmt.Sprintf("input tap %d %d", x, y)
	r.record(line, line)
}

func (r *Recorder) LongPress(x, y, durationMs int) {
	r.record(fmt.Sprintf("input swipe %d %d %d %d %d", x, y, x, y, durationMs))
}

func (r *Recorder) Swipe(x1, y1, x2, y2, durationMs int) {
	r.record(fmt.Sprintf("input swipe %d %d %d %d %d", x1, y1, x2, y2, durationMs))
}

func (r *Recorder) Key(key device.Key) {
	r.record("input keyevent " + string(key))
}

func (r *Recorder) Launch(packageID string) {
	r.record("monkey -p " + packageID + " -c android.intent.category.LAUNCHER 1")
}

// Type records the text the same way the controller sends it, base64 over
// the ADBKeyboard broadcast, so the replayed line works verbatim.
func (r *Recorder) Type(text string) {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	r.record("am broadcast -a ADB_INPUT_B64 --es msg " + encoded)
}

func (r *Recorder) Sleep(d time.Duration) {
	r.record(fmt.Sprintf("sleep %g", d.Seconds()))
}

func (r *Recorder) record(lines ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		r.writeLine(line)
	}
}

func (r *Recorder) writeLine(line string) {
	if r.disabled || r.file == nil {
		return
	}
	if _, err := r.file.WriteString(line + "\n"); err != nil {
		r.disable(err)
	}
}

func (r *Recorder) disable(err error) {
	r.disabled = true
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if r.logger != nil {
		r.logger.Warn("script recording disabled",
			zap.String("path", r.path), zap.Error(err))
	}
}
