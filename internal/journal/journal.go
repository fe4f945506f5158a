// Package journal gives a session a durable, append-only record of its own
// progress. Every state transition is written as one JSON line; after a
// crash the journal replays into a snapshot from which the orchestrator
// re-drives only the work that had not finished.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/step"
)

// RecordKind discriminates journal lines.
type RecordKind string

const (
	KindSession        RecordKind = "session"
	KindRun            RecordKind = "run"
	KindClarifications RecordKind = "clarifications"
)

// RunRecord is the replayable view of one step run.
type RunRecord struct {
	StepID   string       `json:"step_id"`
	State    string       `json:"state"`
	Attempts int          `json:"attempts"`
	Output   *step.Output `json:"output,omitempty"`
}

// Record is one journal line.
type Record struct {
	At             time.Time                     `json:"at"`
	Kind           RecordKind                    `json:"kind"`
	SessionState   string                        `json:"session_state,omitempty"`
	Run            *RunRecord                    `json:"run,omitempty"`
	Clarifications []domain.ClarificationRequest `json:"clarifications,omitempty"`
}

// Journal appends records to a JSON-lines file. Appends are serialized and
// flushed per record so a crash loses at most the line being written.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open opens or creates the journal file for appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: f, enc: json.NewEncoder(f)}, nil
}

// SessionState journals a session state transition.
func (j *Journal) SessionState(state string) error {
	return j.append(Record{Kind: KindSession, SessionState: state})
}

// RunTransition journals a run's current state. SUCCEEDED runs carry their
// output so replay can feed dependents without re-executing them.
func (j *Journal) RunTransition(run *step.Run) error {
	rec := RunRecord{
		StepID:   run.SpecID,
		State:    run.State().String(),
		Attempts: run.Attempts(),
	}
	if run.State() == step.StateSucceeded {
		rec.Output = run.Output()
	}
	return j.append(Record{Kind: KindRun, Run: &rec})
}

// ClarificationsResolved journals an answered batch's requests.
func (j *Journal) ClarificationsResolved(reqs []domain.ClarificationRequest) error {
	return j.append(Record{Kind: KindClarifications, Clarifications: reqs})
}

func (j *Journal) append(rec Record) error {
	rec.At = time.Now().UTC()

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}
	return j.file.Sync()
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Snapshot is the state reconstructed from a journal.
type Snapshot struct {
	// SessionState is the last journaled session state, empty for a fresh
	// journal.
	SessionState string
	// Runs holds the latest journaled record per step.
	Runs map[string]RunRecord
	// Clarifications are all answered requests, in answer order.
	Clarifications []domain.ClarificationRequest
}

// Replay reads a journal file and folds it into a snapshot. Later records
// win; a missing file yields an empty snapshot so first boot and recovery
// share one code path. A torn final line from a mid-write crash is dropped.
func Replay(path string) (*Snapshot, error) {
	snap := &Snapshot{Runs: make(map[string]RunRecord)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn tail line.
			continue
		}
		switch rec.Kind {
		case KindSession:
			snap.SessionState = rec.SessionState
		case KindRun:
			if rec.Run != nil {
				snap.Runs[rec.Run.StepID] = *rec.Run
			}
		case KindClarifications:
			snap.Clarifications = append(snap.Clarifications, rec.Clarifications...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("replaying journal: %w", err)
	}
	return snap, nil
}

// ParseRunState maps a journaled state name back to a RunState.
func ParseRunState(name string) (step.RunState, error) {
	switch name {
	case "PENDING":
		return step.StatePending, nil
	case "RUNNING":
		return step.StateRunning, nil
	case "AWAITING_CLARIFICATION":
		return step.StateAwaitingClarification, nil
	case "SUCCEEDED":
		return step.StateSucceeded, nil
	case "FAILED":
		return step.StateFailed, nil
	default:
		return 0, fmt.Errorf("unknown run state %q", name)
	}
}
