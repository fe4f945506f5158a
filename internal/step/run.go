package step

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of one StepRun.
type RunState int32

const (
	StatePending RunState = iota
	StateRunning
	StateAwaitingClarification
	StateSucceeded
	StateFailed
)

// String returns the wire name of the state.
func (s RunState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateAwaitingClarification:
		return "AWAITING_CLARIFICATION"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Run is one execution of a Spec within a session. All mutation goes
// through its methods under the run's own lock, so independent runs never
// contend while a single run is serialized. Re-entry after clarification
// reuses the same Run; a duplicate is never spawned.
type Run struct {
	SpecID string

	mu             sync.Mutex
	state          RunState
	attempts       int
	output         *Output
	failure        *Failure
	clarifications []uuid.UUID
	startedAt      time.Time
	finishedAt     time.Time
}

// NewRun returns a pending run for the given spec.
func NewRun(specID string) *Run {
	return &Run{SpecID: specID}
}

// State returns the current lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns how many times the handler has been invoked.
func (r *Run) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Output returns the success payload, nil until the run succeeds.
func (r *Run) Output() *Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output
}

// Failure returns the terminal failure, nil unless the run failed.
func (r *Run) Failure() *Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// Clarifications returns the ids of every clarification request this run
// has raised across all suspensions.
func (r *Run) Clarifications() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, len(r.clarifications))
	copy(out, r.clarifications)
	return out
}

// Begin transitions the run to RUNNING and counts the attempt. It enforces
// the at-most-one-RUNNING invariant: a run already RUNNING or terminal
// cannot begin again.
func (r *Run) Begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StatePending, StateAwaitingClarification:
		// valid entry points; clarification resume reuses this run
	default:
		return fmt.Errorf("step %s cannot begin from state %s", r.SpecID, r.state)
	}
	r.state = StateRunning
	r.attempts++
	if r.startedAt.IsZero() {
		r.startedAt = time.Now().UTC()
	}
	return nil
}

// RecordAttempt counts an additional handler invocation made inside the
// same RUNNING interval, i.e. a local retry that never left the worker.
func (r *Run) RecordAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
}

// Succeed records the output and moves the run to SUCCEEDED.
func (r *Run) Succeed(out *Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return fmt.Errorf("step %s cannot succeed from state %s", r.SpecID, r.state)
	}
	r.state = StateSucceeded
	r.output = out
	r.finishedAt = time.Now().UTC()
	return nil
}

// Fail records the classified failure and moves the run to FAILED. A
// pending run may fail directly when blocked by an upstream failure.
func (r *Run) Fail(f *Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return fmt.Errorf("step %s cannot fail from state %s", r.SpecID, r.state)
	}
	if f.StepID == "" {
		f.StepID = r.SpecID
	}
	r.state = StateFailed
	r.failure = f
	r.finishedAt = time.Now().UTC()
	return nil
}

// Suspend parks a RUNNING run in AWAITING_CLARIFICATION and records the
// request ids it raised.
func (r *Run) Suspend(requestIDs []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return fmt.Errorf("step %s cannot suspend from state %s", r.SpecID, r.state)
	}
	r.state = StateAwaitingClarification
	r.clarifications = append(r.clarifications, requestIDs...)
	return nil
}

// Reopen returns a SUCCEEDED run to PENDING for an audit-driven revision
// pass. History is kept: attempts keep counting and raised clarifications
// remain attached.
func (r *Run) Reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateSucceeded {
		return fmt.Errorf("step %s cannot reopen from state %s", r.SpecID, r.state)
	}
	r.state = StatePending
	r.finishedAt = time.Time{}
	return nil
}

// Restore seeds a recovered run with a prior terminal result during journal
// replay. Only non-terminal runs are re-driven after a crash.
func (r *Run) Restore(state RunState, out *Output, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.output = out
	r.attempts = attempts
}

// Duration reports wall time between the first attempt and completion.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() || r.finishedAt.IsZero() {
		return 0
	}
	return r.finishedAt.Sub(r.startedAt)
}
