// Package capability defines the boundary to the external reasoning and
// extraction services. Each call is synchronous and returns either a
// structured payload or a typed failure; the orchestrator never trusts a
// payload that does not validate against the calling step's schema.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FailureKind classifies a capability failure at the boundary.
type FailureKind string

const (
	FailureRateLimited   FailureKind = "RATE_LIMITED"
	FailureInvalidOutput FailureKind = "INVALID_OUTPUT"
	FailureUnavailable   FailureKind = "UNAVAILABLE"
)

// Failure is the typed error returned by an Invoker.
type Failure struct {
	Kind    FailureKind
	Message string

	// RetryAfter carries a server-suggested delay on rate-limit failures,
	// zero when the server did not suggest one.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.RetryAfter > 0 {
		return fmt.Sprintf("capability %s: %s (retry after %s)", f.Kind, f.Message, f.RetryAfter)
	}
	return fmt.Sprintf("capability %s: %s", f.Kind, f.Message)
}

// Request is one capability invocation: which capability to call, the
// structured context assembled from session inputs and upstream outputs, and
// the prompt template parameters.
type Request struct {
	Capability string            `json:"capability"`
	Context    map[string]any    `json:"context,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Response is the structured payload a capability returns. The payload is
// opaque here; the owning step validates it against its declared shape.
type Response struct {
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into out, reporting an INVALID_OUTPUT
// failure when the payload does not match.
func (r Response) Decode(out any) error {
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return &Failure{Kind: FailureInvalidOutput, Message: fmt.Sprintf("payload does not match declared shape: %v", err)}
	}
	return nil
}

// Invoker is the uniform interface to invoke one capability.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function into an Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f(ctx, req).
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
