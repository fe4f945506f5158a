// Package clarify implements the clarification controller: it aggregates
// the needs-input signals raised across an executing tier into one outward
// batch, accepts the answer set for that batch, and hands the answers back
// to the scheduler so that exactly the suspended runs resume.
//
// Waiting for answers is an unbounded, human-paced suspension. The
// controller tracks how long it waited so that downstream reporting can
// separate processing time from wall time spent on humans.
package clarify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/permitgrid/internal/domain"
)

// Batch is the single outward-facing set of questions for one suspension
// point. Batching is mandatory: if several steps stall in the same tier
// their questions go out together, never one round-trip at a time.
type Batch struct {
	ID        uuid.UUID                     `json:"id"`
	SessionID uuid.UUID                     `json:"session_id"`
	Requests  []domain.ClarificationRequest `json:"requests"`
	CreatedAt time.Time                     `json:"created_at"`
}

// AnswerSet is the inward payload answering an outstanding batch.
type AnswerSet struct {
	BatchID uuid.UUID            `json:"batch_id"`
	Answers map[uuid.UUID]string `json:"answers"`
}

// Controller owns the clarification protocol for one session.
type Controller struct {
	sessionID uuid.UUID

	mu          sync.Mutex
	outstanding *Batch
	waitStart   time.Time
	humanWait   time.Duration
	resolved    []domain.ClarificationRequest
	answerCh    chan map[uuid.UUID]string
}

// NewController creates a controller bound to a session.
func NewController(sessionID uuid.UUID) *Controller {
	return &Controller{
		sessionID: sessionID,
		answerCh:  make(chan map[uuid.UUID]string, 1),
	}
}

// Open publishes a batch for the given requests. Only one batch may be
// outstanding at a time; the scheduler aggregates a whole tier's requests
// before calling Open.
func (c *Controller) Open(reqs []domain.ClarificationRequest) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("cannot open an empty clarification batch")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding != nil {
		return nil, fmt.Errorf("clarification batch %s is already outstanding", c.outstanding.ID)
	}

	batch := &Batch{
		ID:        uuid.New(),
		SessionID: c.sessionID,
		Requests:  append([]domain.ClarificationRequest(nil), reqs...),
		CreatedAt: time.Now().UTC(),
	}
	c.outstanding = batch
	c.waitStart = batch.CreatedAt
	return batch, nil
}

// Outstanding returns the currently open batch, nil when none.
func (c *Controller) Outstanding() *Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Submit attaches answers to the outstanding batch. The set is rejected if
// its batch id does not match, if it references an unknown request, or if a
// request without a default is left unanswered. On success the batch is
// consumed: each request is resolved exactly once and retained for audit.
func (c *Controller) Submit(set AnswerSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding == nil {
		return fmt.Errorf("no clarification batch is outstanding")
	}
	if set.BatchID != c.outstanding.ID {
		return fmt.Errorf("answer batch %s does not match outstanding batch %s", set.BatchID, c.outstanding.ID)
	}

	known := make(map[uuid.UUID]*domain.ClarificationRequest, len(c.outstanding.Requests))
	for i := range c.outstanding.Requests {
		known[c.outstanding.Requests[i].ID] = &c.outstanding.Requests[i]
	}
	for id := range set.Answers {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("answer references unknown clarification request %s", id)
		}
	}

	answers := make(map[uuid.UUID]string, len(known))
	now := time.Now().UTC()
	for id, req := range known {
		answer, ok := set.Answers[id]
		if !ok {
			if req.Default == "" {
				return fmt.Errorf("clarification request %s has no answer and no default", id)
			}
			answer = req.Default
		}
		req.Answer = answer
		req.AnsweredAt = &now
		answers[id] = answer
	}

	c.resolved = append(c.resolved, c.outstanding.Requests...)
	c.humanWait += now.Sub(c.waitStart)
	c.outstanding = nil
	c.answerCh <- answers
	return nil
}

// Await blocks until the outstanding batch is answered or ctx is done.
// There is no internal timeout here: the wait is externally paced.
func (c *Controller) Await(ctx context.Context) (map[uuid.UUID]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case answers := <-c.answerCh:
		return answers, nil
	}
}

// HumanWait reports accumulated time spent waiting on answered batches.
func (c *Controller) HumanWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.humanWait
}

// ResolvedFor returns the answered requests a given step has raised.
func (c *Controller) ResolvedFor(stepID string) []domain.ClarificationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.ClarificationRequest
	for _, r := range c.resolved {
		if r.StepID == stepID {
			out = append(out, r)
		}
	}
	return out
}

// SeedResolved preloads answered requests during journal replay so resumed
// runs see the answers given before the crash.
func (c *Controller) SeedResolved(reqs []domain.ClarificationRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, reqs...)
}

// Resolved returns the audit log of every answered request.
func (c *Controller) Resolved() []domain.ClarificationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ClarificationRequest, len(c.resolved))
	copy(out, c.resolved)
	return out
}
