package device

import (
	"context"
	"encoding/base64"
	"strings"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/errors"
)

// ADBKeyboard is the helper IME that accepts text over broadcast intents.
// Plain `input text` cannot carry unicode, so CJK input requires it.
const (
	adbKeyboardIME      = "com.android.adbkeyboard/.AdbIME"
	adbInputB64Action   = "ADB_INPUT_B64"
	adbClearTextAction  = "ADB_CLEAR_TEXT"
	defaultIMESettingNS = "secure"
)

// TypeText enters text through the helper IME: activates it, clears the
// focused field, sends the text base64-encoded to survive shell quoting,
// then restores the previously active IME.
func (c *Controller) TypeText(ctx context.Context, deviceID, text string) error {
	unlock := c.lockDevice(deviceID)
	defer unlock()

	timeout := c.cfg.InputTimeoutDuration()

	imes, err := c.runner.Shell(ctx, timeout, deviceID, "ime", "list", "-s")
	if err != nil {
		return err
	}
	if !strings.Contains(imes, adbKeyboardIME) {
		return errors.InputMethodUnavailable(deviceID)
	}

	prior, err := c.runner.Shell(ctx, timeout, deviceID,
		"settings", "get", defaultIMESettingNS, "default_input_method")
	if err != nil {
		c.logger.Warn("could not read active IME, skipping restore",
			zap.String("device_id", deviceID), zap.Error(err))
		prior = ""
	}

	if _, err := c.runner.Shell(ctx, timeout, deviceID, "ime", "enable", adbKeyboardIME); err != nil {
		return err
	}
	if _, err := c.runner.Shell(ctx, timeout, deviceID, "ime", "set", adbKeyboardIME); err != nil {
		return err
	}

	// Clear whatever the field holds, then send the payload
	if _, err := c.runner.Shell(ctx, timeout, deviceID, "am", "broadcast", "-a", adbClearTextAction); err != nil {
		c.logger.Debug("clear text broadcast failed",
			zap.String("device_id", deviceID), zap.Error(err))
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	if _, err := c.runner.Shell(ctx, timeout, deviceID,
		"am", "broadcast", "-a", adbInputB64Action, "--es", "msg", encoded); err != nil {
		return err
	}

	if prior != "" && prior != "null" && prior != adbKeyboardIME {
		if _, err := c.runner.Shell(ctx, timeout, deviceID, "ime", "set", prior); err != nil {
			c.logger.Warn("could not restore prior IME",
				zap.String("device_id", deviceID), zap.String("ime", prior), zap.Error(err))
		}
	}

	return sleepCtx(ctx, c.cfg.SettleDelay())
}
