// Package agent runs automation tasks against an Android device: it
// feeds screenshots to the vision-language model, parses the returned
// action calls, dispatches them over adb, and records every step.
package agent

import "time"

// RelPoint is a screen position on the model's 0-1000 relative grid.
type RelPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pixel maps the relative point onto a width x height screen, clamping
// to the screen bounds.
func (p RelPoint) Pixel(width, height int) (int, int) {
	x := clampRel(p.X) * width / 1000
	y := clampRel(p.Y) * height / 1000
	if x >= width {
		x = width - 1
	}
	if y >= height {
		y = height - 1
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return x, y
}

func clampRel(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

// Action is one structured instruction parsed from the model's action
// text.
type Action interface {
	// Name returns the canonical action verb.
	Name() string
}

// Launch opens an app by its human-readable name.
type Launch struct {
	App string
}

// Tap taps a point. A non-empty SensitiveMessage marks the tap as
// sensitive (payments, sending) and requires user confirmation first.
type Tap struct {
	Element          RelPoint
	SensitiveMessage string
}

// DoubleTap taps a point twice in quick succession.
type DoubleTap struct {
	Element RelPoint
}

// LongPress holds a point.
type LongPress struct {
	Element RelPoint
}

// Swipe drags from Start to End. A zero Duration uses the dispatcher
// default.
type Swipe struct {
	Start    RelPoint
	End      RelPoint
	Duration time.Duration
}

// Type enters text through the device keyboard.
type Type struct {
	Text string
}

// Back presses the Android back key.
type Back struct{}

// Home presses the Android home key.
type Home struct{}

// Wait pauses the loop for a model-chosen duration.
type Wait struct {
	Duration time.Duration
}

// TakeOver hands the device to the user for a manual step.
type TakeOver struct {
	Message string
}

// Finish ends the task with a result message.
type Finish struct {
	Message string
}

func (Launch) Name() string    { return "Launch" }
func (Tap) Name() string       { return "Tap" }
func (DoubleTap) Name() string { return "DoubleTap" }
func (LongPress) Name() string { return "LongPress" }
func (Swipe) Name() string     { return "Swipe" }
func (Type) Name() string      { return "Type" }
func (Back) Name() string      { return "Back" }
func (Home) Name() string      { return "Home" }
func (Wait) Name() string      { return "Wait" }
func (TakeOver) Name() string  { return "TakeOver" }
func (Finish) Name() string    { return "Finish" }

// ActionParams flattens an action's arguments for step records and
// subscriber events.
func ActionParams(action Action) map[string]interface{} {
	switch a := action.(type) {
	case Launch:
		return map[string]interface{}{"app": a.App}
	case Tap:
		params := map[string]interface{}{"element": []int{a.Element.X, a.Element.Y}}
		if a.SensitiveMessage != "" {
			params["message"] = a.SensitiveMessage
		}
		return params
	case DoubleTap:
		return map[string]interface{}{"element": []int{a.Element.X, a.Element.Y}}
	case LongPress:
		return map[string]interface{}{"element": []int{a.Element.X, a.Element.Y}}
	case Swipe:
		params := map[string]interface{}{
			"start": []int{a.Start.X, a.Start.Y},
			"end":   []int{a.End.X, a.End.Y},
		}
		if a.Duration > 0 {
			params["duration_ms"] = a.Duration.Milliseconds()
		}
		return params
	case Type:
		return map[string]interface{}{"text": a.Text}
	case Wait:
		return map[string]interface{}{"duration_ms": a.Duration.Milliseconds()}
	case TakeOver:
		return map[string]interface{}{"message": a.Message}
	case Finish:
		return map[string]interface{}{"message": a.Message}
	default:
		return nil
	}
}
