package agent

import "context"

// ConfirmationCallback decides whether a sensitive action may proceed.
// Implementations typically relay the question to the session owner
// and block until a reply or the context ends.
type ConfirmationCallback interface {
	Confirm(ctx context.Context, taskID, message string) (bool, error)
}

// ConfirmFunc adapts a function to ConfirmationCallback.
type ConfirmFunc func(ctx context.Context, taskID, message string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, taskID, message string) (bool, error) {
	return f(ctx, taskID, message)
}

// TakeoverCallback hands the device to the user when the model asks
// for it (login screens, captchas). It returns once the user signals
// they are done, or with an error when the context ends first.
type TakeoverCallback interface {
	TakeOver(ctx context.Context, taskID, message string) error
}

// TakeoverFunc adapts a function to TakeoverCallback.
type TakeoverFunc func(ctx context.Context, taskID, message string) error

func (f TakeoverFunc) TakeOver(ctx context.Context, taskID, message string) error {
	return f(ctx, taskID, message)
}

// AutoApprove confirms every sensitive action without asking anyone.
// It is the default when no session is attached to relay questions.
func AutoApprove() ConfirmationCallback {
	return ConfirmFunc(func(context.Context, string, string) (bool, error) {
		return true, nil
	})
}

// AutoDeny refuses every sensitive action.
func AutoDeny() ConfirmationCallback {
	return ConfirmFunc(func(context.Context, string, string) (bool, error) {
		return false, nil
	})
}

// NoTakeover acknowledges takeover requests immediately, so unattended
// runs keep moving instead of blocking on a user who is not there.
func NoTakeover() TakeoverCallback {
	return TakeoverFunc(func(context.Context, string, string) error {
		return nil
	})
}
