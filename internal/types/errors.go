package types

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for the pipeline failure taxonomy. Wrap these with
// fmt.Errorf("...: %w", Err...) so errors.Is classification survives.
var (
	// ErrValidation marks malformed ops or inputs. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks version or uniqueness conflicts. Not retried
	// blindly; the caller must re-read and re-propose.
	ErrConflict = errors.New("conflict")

	// ErrPolicyRejected marks proposals refused by governance policy.
	ErrPolicyRejected = errors.New("rejected by policy")

	// ErrTransient marks infrastructure failures worth retrying with
	// backoff: network, database, provider rate limits.
	ErrTransient = errors.New("transient failure")

	// ErrFatal marks broken invariants. The work item fails immediately
	// and is kept for inspection.
	ErrFatal = errors.New("fatal")

	// ErrCancelled marks work abandoned because its context was
	// cancelled, usually shutdown. Cancellation is terminal, not
	// retried.
	ErrCancelled = errors.New("cancelled")
)

// ErrorClass buckets an error for retry and state decisions.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassConflict   ErrorClass = "conflict"
	ClassPolicy     ErrorClass = "policy_rejection"
	ClassTransient  ErrorClass = "transient"
	ClassFatal      ErrorClass = "fatal"
	ClassCancelled  ErrorClass = "cancellation"
)

// Classify maps an error onto the failure taxonomy. Context cancellation
// and network timeouts are recognized without explicit wrapping; anything
// unclassified counts as transient so the attempt budget decides its fate.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return ClassCancelled
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrPolicyRejected):
		return ClassPolicy
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTransient):
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// Retryable reports whether the work should go back to pending for
// another attempt.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
