package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrMalformedOutput = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrTransient         = errors.New("transient failure")
	ErrStepTimeout       = errors.New("step timeout exceeded")
	ErrRecursionExceeded = errors.New("step limit exceeded")
	ErrNoPendingApproval = errors.New("no pending approval")
	ErrUserMismatch      = errors.New("user does not own thread")
	ErrUnknownRoute      = errors.New("unknown routing decision")
)

// IsTransient reports whether a failed step may be retried on the same input.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrMalformedOutput) ||
		errors.Is(err, ErrModelInvoke)
}
