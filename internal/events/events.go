// Package events is the outward progress boundary: an append-only,
// at-least-once event log per session that a presentation layer tails. The
// orchestrator appends and never depends on a subscriber being present.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the event kinds on the progress boundary.
type Kind string

const (
	KindTierStarted            Kind = "tier-started"
	KindStepProgress           Kind = "step-progress"
	KindClarificationRequested Kind = "clarification-requested"
	KindStepAuditFailed        Kind = "step-audit-failed"
	KindBudgetWarning          Kind = "budget-warning"
	KindComplete               Kind = "complete"
	KindError                  Kind = "error"
)

// Event is one entry in a session's event log.
type Event struct {
	Seq       int64          `json:"seq"`
	SessionID uuid.UUID      `json:"session_id"`
	Kind      Kind           `json:"kind"`
	StepID    string         `json:"step_id,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log is the per-session event log. Appends are ordered by sequence number;
// subscribers get a replay of everything appended so far followed by live
// events, which gives consumers at-least-once delivery across reconnects.
type Log struct {
	sessionID uuid.UUID

	mu     sync.Mutex
	seq    int64
	events []Event
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewLog creates an event log for the given session.
func NewLog(sessionID uuid.UUID) *Log {
	return &Log{
		sessionID: sessionID,
		subs:      make(map[int]chan Event),
	}
}

// Append records an event and fans it out to live subscribers. A subscriber
// that cannot keep up is dropped rather than blocking the orchestrator.
func (l *Log) Append(kind Kind, stepID string, payload map[string]any) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev := Event{
		Seq:       l.seq,
		SessionID: l.sessionID,
		Kind:      kind,
		StepID:    stepID,
		At:        time.Now().UTC(),
		Payload:   payload,
	}
	l.events = append(l.events, ev)

	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			delete(l.subs, id)
			close(ch)
		}
	}
	return ev
}

// Snapshot returns a copy of every event appended so far.
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Subscribe returns a channel that replays the log from the beginning and
// then streams live events, plus a cancel function. The channel is closed
// by Close, by cancel, or when the subscriber falls behind.
func (l *Log) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Buffer covers the replay plus headroom for live events.
	ch := make(chan Event, len(l.events)+64)
	for _, ev := range l.events {
		ch <- ev
	}

	if l.closed {
		close(ch)
		return ch, func() {}
	}

	id := l.nextID
	l.nextID++
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close ends the live stream for all subscribers. Later appends are still
// recorded and remain visible through Snapshot.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
