package step

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/domain"
)

// Class buckets a step failure for retry policy.
type Class string

const (
	// ClassTransient failures (rate limit, timeout, flaky service) are
	// retried locally with backoff up to the configured ceiling.
	ClassTransient Class = "TRANSIENT"
	// ClassStructural failures (invalid output shape, citation integrity)
	// get exactly one corrective retry before escalating.
	ClassStructural Class = "STRUCTURAL"
	// ClassFatal failures stop the owning run immediately.
	ClassFatal Class = "FATAL"
)

// Failure is a classified, terminal step failure.
type Failure struct {
	Class  Class
	StepID string
	Reason string
	// BlockedBy names the upstream step whose failure cascaded here, empty
	// when the step failed on its own.
	BlockedBy string
	Err       error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.BlockedBy != "" {
		return fmt.Sprintf("step %s blocked by upstream failure of %s", f.StepID, f.BlockedBy)
	}
	if f.Err != nil {
		return fmt.Sprintf("step %s failed (%s): %s: %v", f.StepID, f.Class, f.Reason, f.Err)
	}
	return fmt.Sprintf("step %s failed (%s): %s", f.StepID, f.Class, f.Reason)
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error { return f.Err }

// Fatal wraps err as an immediately-terminal failure.
func Fatal(reason string, err error) error {
	return &Failure{Class: ClassFatal, Reason: reason, Err: err}
}

// Structural wraps err as a failure eligible for one corrective retry.
func Structural(reason string, err error) error {
	return &Failure{Class: ClassStructural, Reason: reason, Err: err}
}

// Classify maps an arbitrary handler error onto the failure taxonomy.
// Capability failures carry their own mapping: rate limiting and
// unavailability are transient until the retry ceiling converts them,
// invalid output is structural. Cancellation is never reclassified.
func Classify(err error) Class {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}

	var cf *capability.Failure
	if errors.As(err, &cf) {
		switch cf.Kind {
		case capability.FailureInvalidOutput:
			return ClassStructural
		default:
			return ClassTransient
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	return ClassTransient
}

// NeedsInput is the typed signal a handler returns instead of a result when
// required information is absent. It is routed to the clarification
// controller, never treated as an error by the retry policy.
type NeedsInput struct {
	Requests []domain.ClarificationRequest
}

// Error implements the error interface.
func (n *NeedsInput) Error() string {
	return fmt.Sprintf("step needs input: %d clarification request(s)", len(n.Requests))
}

// NeedInput builds a NeedsInput signal from one or more requests.
func NeedInput(reqs ...domain.ClarificationRequest) error {
	return &NeedsInput{Requests: reqs}
}

// AsNeedsInput unwraps a NeedsInput signal if err carries one.
func AsNeedsInput(err error) (*NeedsInput, bool) {
	var n *NeedsInput
	if errors.As(err, &n) {
		return n, true
	}
	return nil, false
}
