// Package testutil provides shared fixtures for orchestrator tests: a
// scripted capability invoker, a seeded citation corpus, and pipeline spec
// builders.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vk/permitgrid/internal/capability"
)

// ScriptedInvoker replays canned responses per capability and records every
// request it receives. A capability may be scripted with a sequence: each
// call consumes the next entry, and the last entry repeats once the script
// is exhausted.
type ScriptedInvoker struct {
	mu       sync.Mutex
	scripts  map[string][]scriptEntry
	consumed map[string]int
	requests []capability.Request
}

type scriptEntry struct {
	payload any
	err     error
}

// NewScriptedInvoker returns an empty invoker; unscripted capabilities fail
// with UNAVAILABLE.
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{
		scripts:  make(map[string][]scriptEntry),
		consumed: make(map[string]int),
	}
}

// Respond appends a successful response for the capability. The payload is
// marshalled on invocation.
func (s *ScriptedInvoker) Respond(cap string, payload any) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[cap] = append(s.scripts[cap], scriptEntry{payload: payload})
	return s
}

// FailWith appends a failure for the capability.
func (s *ScriptedInvoker) FailWith(cap string, err error) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[cap] = append(s.scripts[cap], scriptEntry{err: err})
	return s
}

// Invoke implements capability.Invoker.
func (s *ScriptedInvoker) Invoke(ctx context.Context, req capability.Request) (capability.Response, error) {
	if err := ctx.Err(); err != nil {
		return capability.Response{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	script, ok := s.scripts[req.Capability]
	if !ok || len(script) == 0 {
		return capability.Response{}, &capability.Failure{
			Kind:    capability.FailureUnavailable,
			Message: fmt.Sprintf("no script for capability %q", req.Capability),
		}
	}

	idx := s.consumed[req.Capability]
	if idx >= len(script) {
		idx = len(script) - 1
	}
	s.consumed[req.Capability]++

	entry := script[idx]
	if entry.err != nil {
		return capability.Response{}, entry.err
	}
	raw, err := json.Marshal(entry.payload)
	if err != nil {
		return capability.Response{}, err
	}
	return capability.Response{Payload: raw}, nil
}

// Requests returns every request received so far.
func (s *ScriptedInvoker) Requests() []capability.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capability.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many invocations the capability has received.
func (s *ScriptedInvoker) Calls(cap string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.Capability == cap {
			n++
		}
	}
	return n
}
