package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/vk/permitgrid/internal/clarify"
	"github.com/vk/permitgrid/internal/events"
	"github.com/vk/permitgrid/internal/step"
)

// execTracker observes handler entry and exit across a whole run.
type execTracker struct {
	mu        sync.Mutex
	running   int
	peak      int
	succeeded map[string]bool
	violation string
}

func (tr *execTracker) enter(id string, deps []string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.running++
	if tr.running > tr.peak {
		tr.peak = tr.running
	}
	for _, dep := range deps {
		if !tr.succeeded[dep] {
			tr.violation = fmt.Sprintf("step %s started before dependency %s succeeded", id, dep)
		}
	}
}

func (tr *execTracker) exit(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.running--
	tr.succeeded[id] = true
}

// Every step starts only after all of its dependencies succeeded, and the
// number of concurrently running handlers never exceeds the worker ceiling,
// for arbitrary acyclic graphs.
func TestRunRespectsDependenciesAndWorkerCeilingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "steps")
		workers := rapid.IntRange(1, 6).Draw(t, "workers")

		tracker := &execTracker{succeeded: make(map[string]bool)}

		specs := make([]*step.Spec, n)
		for i := range n {
			id := fmt.Sprintf("s%d", i)
			var deps []string
			if i > 0 {
				depCount := rapid.IntRange(0, i).Draw(t, fmt.Sprintf("deps%d", i))
				for _, j := range rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), depCount, depCount, rapid.ID[int]).Draw(t, fmt.Sprintf("edges%d", i)) {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			depsCopy := deps
			specs[i] = &step.Spec{
				ID:        id,
				DependsOn: deps,
				Run: func(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
					tracker.enter(id, depsCopy)
					defer tracker.exit(id)
					return &step.Output{}, nil
				},
			}
		}

		sessionID := uuid.New()
		s, err := New(Config{
			Session:        step.SessionInfo{ID: sessionID},
			Specs:          specs,
			Env:            &step.Env{},
			Clarifications: clarify.NewController(sessionID),
			Events:         events.NewLog(sessionID),
			Workers:        workers,
			Retry:          fastRetry(),
		})
		if err != nil {
			t.Fatalf("building scheduler: %v", err)
		}

		if err := s.Run(context.Background()); err != nil {
			t.Fatalf("run failed: %v", err)
		}

		if tracker.violation != "" {
			t.Fatalf("dependency order violated: %s", tracker.violation)
		}
		if tracker.peak > workers {
			t.Fatalf("concurrency peak %d exceeded worker ceiling %d", tracker.peak, workers)
		}
		for _, run := range s.Runs() {
			if run.State() != step.StateSucceeded {
				t.Fatalf("run %s finished in %s", run.SpecID, run.State())
			}
		}
	})
}
