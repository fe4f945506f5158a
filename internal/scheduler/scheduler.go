// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/clarify"
	"github.com/vk/permitgrid/internal/ctxlog"
	"github.com/vk/permitgrid/internal/dag"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/events"
	"github.com/vk/permitgrid/internal/guardrail"
	"github.com/vk/permitgrid/internal/metrics"
	"github.com/vk/permitgrid/internal/step"
)

// Hooks let the session state machine observe scheduler phase changes
// without the scheduler knowing session states exist.
type Hooks struct {
	// OnClarifying fires when a batch is published and the graph suspends.
	OnClarifying func(batch *clarify.Batch)
	// OnResumed fires when answers arrive and suspended runs restart.
	OnResumed func()
	// OnRunTransition fires after every run state change, for journaling.
	OnRunTransition func(run *step.Run)
}

// Config assembles a scheduler for one session.
type Config struct {
	Session        step.SessionInfo
	Specs          []*step.Spec
	Env            *step.Env
	Guardrail      *guardrail.Guardrail
	Clarifications *clarify.Controller
	Events         *events.Log
	Metrics        *metrics.Metrics
	Workers        int
	Retry          RetryConfig
	Hooks          Hooks
}

// Scheduler executes one session's step graph tier by tier.
type Scheduler struct {
	cfg   Config
	specs map[string]*step.Spec
	graph *dag.Graph
	tiers [][]string
	runs  map[string]*step.Run

	// sem is the global concurrency ceiling, independent of tier width.
	sem chan struct{}

	mu          sync.Mutex
	feedback    map[string][]string
	pendingReqs map[string][]domain.ClarificationRequest
}

// New builds the execution graph for the spec set, failing fast on a
// dependency cycle before any execution begins.
func New(cfg Config) (*Scheduler, error) {
	g, err := dag.Build(cfg.Specs)
	if err != nil {
		return nil, err
	}
	tiers, err := g.Tiers()
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	specs := make(map[string]*step.Spec, len(cfg.Specs))
	runs := make(map[string]*step.Run, len(cfg.Specs))
	for _, s := range cfg.Specs {
		specs[s.ID] = s
		runs[s.ID] = step.NewRun(s.ID)
	}

	return &Scheduler{
		cfg:         cfg,
		specs:       specs,
		graph:       g,
		tiers:       tiers,
		runs:        runs,
		sem:         make(chan struct{}, cfg.Workers),
		feedback:    make(map[string][]string),
		pendingReqs: make(map[string][]domain.ClarificationRequest),
	}, nil
}

// Runs exposes the run set. The session machine reads it for auditing,
// packaging, and journaling; runs are mutated only through their own
// serialized methods.
func (s *Scheduler) Runs() map[string]*step.Run {
	return s.runs
}

// RunFor returns the run for a spec id, nil when unknown.
func (s *Scheduler) RunFor(id string) *step.Run {
	return s.runs[id]
}

// Spec returns the spec for an id, nil when unknown.
func (s *Scheduler) Spec(id string) *step.Spec {
	return s.specs[id]
}

// Tiers returns the computed execution tiers.
func (s *Scheduler) Tiers() [][]string {
	return s.tiers
}

// Restore seeds a run with journaled state before Run, so a recovered
// session re-drives only runs that had not yet SUCCEEDED.
func (s *Scheduler) Restore(specID string, state step.RunState, out *step.Output, attempts int) {
	if run, ok := s.runs[specID]; ok {
		run.Restore(state, out, attempts)
	}
}

// Run advances the graph tier by tier. It returns nil when every step
// succeeded, or the first terminal failure after cascading it onto all
// transitive dependents.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	for k, tier := range s.tiers {
		s.cfg.Events.Append(events.KindTierStarted, "", map[string]any{
			"tier":  k,
			"steps": tier,
		})
		logger.Debug("Tier starting.", "tier", k, "steps", tier)

		if failure := s.runTier(ctx, tier); failure != nil {
			s.cascade(failure)
			s.failRemaining(ctx.Err())
			return failure
		}
	}
	return nil
}

// runTier drives one tier until every member reached SUCCEEDED, or returns
// the first terminal failure. An AWAITING_CLARIFICATION member keeps the
// tier open: siblings still run to completion, the tier's questions go out
// as one batch, and only the suspended members re-enter once answered.
func (s *Scheduler) runTier(ctx context.Context, members []string) *step.Failure {
	wave := make([]string, 0, len(members))
	for _, id := range members {
		// Replayed runs may already be terminal or suspended.
		switch s.runs[id].State() {
		case step.StatePending, step.StateAwaitingClarification:
			wave = append(wave, id)
		}
	}

	for {
		var wg sync.WaitGroup
		for _, id := range wave {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.executeStep(ctx, id)
			}(id)
		}
		wg.Wait()

		var awaiting []string
		var failure *step.Failure
		for _, id := range members {
			run := s.runs[id]
			switch run.State() {
			case step.StateFailed:
				// Prefer a step's own failure over one it inherited.
				if failure == nil || (failure.BlockedBy != "" && run.Failure().BlockedBy == "") {
					failure = run.Failure()
				}
			case step.StateAwaitingClarification:
				awaiting = append(awaiting, id)
			}
		}
		if failure != nil {
			return failure
		}
		if len(awaiting) == 0 {
			return nil
		}

		if err := s.suspendForClarification(ctx, awaiting); err != nil {
			return &step.Failure{
				Class:  step.ClassFatal,
				StepID: awaiting[0],
				Reason: "session aborted while awaiting clarification",
				Err:    err,
			}
		}
		// Resume exactly the suspended members; every other tier member has
		// already reached a terminal state.
		wave = awaiting
	}
}

// suspendForClarification gathers every request raised across the tier into
// one batch, publishes it, and blocks until the answer set arrives. The
// wait is externally paced; only context cancellation interrupts it.
func (s *Scheduler) suspendForClarification(ctx context.Context, awaiting []string) error {
	logger := ctxlog.FromContext(ctx)

	s.mu.Lock()
	var reqs []domain.ClarificationRequest
	for _, id := range awaiting {
		reqs = append(reqs, s.pendingReqs[id]...)
		delete(s.pendingReqs, id)
	}
	s.mu.Unlock()

	batch, err := s.cfg.Clarifications.Open(reqs)
	if err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ClarificationOpened()
	}
	s.cfg.Events.Append(events.KindClarificationRequested, "", map[string]any{
		"batch_id": batch.ID.String(),
		"count":    len(batch.Requests),
		"steps":    awaiting,
	})
	if s.cfg.Hooks.OnClarifying != nil {
		s.cfg.Hooks.OnClarifying(batch)
	}
	logger.Info("Graph suspended for clarification.", "batch_id", batch.ID, "questions", len(batch.Requests))

	waitStart := time.Now()
	if _, err := s.cfg.Clarifications.Await(ctx); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ClarificationAnswered(time.Since(waitStart).Seconds())
	}
	if s.cfg.Hooks.OnResumed != nil {
		s.cfg.Hooks.OnResumed()
	}
	logger.Info("Clarification answered, resuming suspended steps.", "steps", awaiting)
	return nil
}

// Reinvoke reopens a SUCCEEDED run for one audit-driven revision pass with
// structured feedback attached to its input, then executes it to a new
// terminal state. Only the named step runs; the rest of the graph stays
// untouched.
func (s *Scheduler) Reinvoke(ctx context.Context, specID string, feedback []string) (*step.Run, error) {
	run, ok := s.runs[specID]
	if !ok {
		return nil, errors.New("unknown step: " + specID)
	}
	if err := run.Reopen(); err != nil {
		return nil, err
	}
	s.setFeedback(specID, feedback)
	s.executeStep(ctx, specID)
	return run, nil
}

// executeStep drives one run to SUCCEEDED, FAILED, or
// AWAITING_CLARIFICATION, applying the failure taxonomy: transient failures
// back off and retry up to the ceiling, structural failures get exactly one
// corrective pass, fatal failures stop immediately.
func (s *Scheduler) executeStep(ctx context.Context, id string) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	spec := s.specs[id]
	run := s.runs[id]
	logger := ctxlog.FromContext(ctx).With("step", id)

	if err := run.Begin(); err != nil {
		s.failRun(ctx, run, &step.Failure{Class: step.ClassFatal, StepID: id, Reason: "invalid run transition", Err: err})
		return
	}
	s.transition(run)
	s.progress(run)

	transientRetries := 0
	structuralRetried := false

	for {
		if ctx.Err() != nil {
			s.failRun(ctx, run, &step.Failure{Class: step.ClassFatal, StepID: id, Reason: "session aborted", Err: ctx.Err()})
			return
		}

		out, err := spec.Run(ctx, s.cfg.Env, s.buildInput(spec))

		if err == nil && spec.Drafting && s.cfg.Guardrail != nil {
			var rejections []guardrail.Rejection
			rejections, err = s.bindDrafts(ctx, out)
			if err == nil && len(rejections) > 0 {
				if structuralRetried {
					s.failRun(ctx, run, &step.Failure{
						Class:  step.ClassStructural,
						StepID: id,
						Reason: "citation integrity: candidates unresolvable after corrective pass",
					})
					return
				}
				structuralRetried = true
				s.setFeedback(id, guardrail.Feedback(rejections))
				s.retried(id, step.ClassStructural)
				run.RecordAttempt()
				logger.Warn("Draft rejected by citation guardrail, granting one corrective pass.", "rejections", len(rejections))
				continue
			}
		}

		if err == nil {
			if serr := run.Succeed(out); serr != nil {
				s.failRun(ctx, run, &step.Failure{Class: step.ClassFatal, StepID: id, Reason: "invalid run transition", Err: serr})
				return
			}
			s.transition(run)
			s.progress(run)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.StepFinished(id, run.State().String())
			}
			logger.Debug("Step succeeded.", "attempts", run.Attempts())
			return
		}

		if needs, ok := step.AsNeedsInput(err); ok {
			s.suspendRun(ctx, run, needs)
			return
		}

		switch class := step.Classify(err); class {
		case step.ClassTransient:
			if transientRetries < s.cfg.Retry.MaxTransientRetries {
				transientRetries++
				delay := s.cfg.Retry.Delay(transientRetries, suggestedDelay(err))
				s.retried(id, class)
				logger.Warn("Transient step failure, backing off.",
					"retry", transientRetries, "delay", delay, "error", err)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					s.failRun(ctx, run, &step.Failure{Class: step.ClassFatal, StepID: id, Reason: "session aborted during backoff", Err: ctx.Err()})
					return
				}
				run.RecordAttempt()
				continue
			}
			// The exhausted ceiling converts the next transient into fatal.
			s.failRun(ctx, run, &step.Failure{Class: step.ClassFatal, StepID: id, Reason: "transient retry ceiling exhausted", Err: err})
			return
		case step.ClassStructural:
			if !structuralRetried {
				structuralRetried = true
				s.setFeedback(id, []string{"previous output failed validation: " + err.Error()})
				s.retried(id, class)
				run.RecordAttempt()
				logger.Warn("Structural step failure, granting one corrective pass.", "error", err)
				continue
			}
			s.failRun(ctx, run, &step.Failure{Class: class, StepID: id, Reason: "corrective pass exhausted", Err: err})
			return
		default:
			s.failRun(ctx, run, &step.Failure{Class: step.ClassFatal, StepID: id, Reason: "fatal step failure", Err: err})
			return
		}
	}
}

// bindDrafts routes every draft in the output through the citation
// guardrail and records binding outcomes.
func (s *Scheduler) bindDrafts(ctx context.Context, out *step.Output) ([]guardrail.Rejection, error) {
	var all []guardrail.Rejection
	for _, draft := range out.Drafts {
		rejections, err := s.cfg.Guardrail.Bind(ctx, draft)
		if err != nil {
			return nil, err
		}
		all = append(all, rejections...)
		if s.cfg.Metrics == nil {
			continue
		}
		for range rejections {
			s.cfg.Metrics.CitationOutcome("rejected")
		}
		for _, c := range draft.Citations {
			if !c.Bound {
				continue
			}
			s.cfg.Metrics.CitationOutcome("bound")
			if c.SupersededBy != "" {
				s.cfg.Metrics.CitationOutcome("superseded")
			}
		}
	}
	return all, nil
}

// buildInput assembles a handler invocation's input from session context,
// upstream outputs, answered clarifications, and pending feedback.
func (s *Scheduler) buildInput(spec *step.Spec) *step.Input {
	upstream := make(map[string]*step.Output, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		if run, ok := s.runs[dep]; ok {
			upstream[dep] = run.Output()
		}
	}

	s.mu.Lock()
	feedback := s.feedback[spec.ID]
	delete(s.feedback, spec.ID)
	s.mu.Unlock()

	return &step.Input{
		Session:        s.cfg.Session,
		Step:           spec,
		Pipeline:       s.cfg.Specs,
		Upstream:       upstream,
		Clarifications: s.cfg.Clarifications.ResolvedFor(spec.ID),
		Feedback:       feedback,
	}
}

// suspendRun parks a run that signalled missing input and stores its
// requests for the tier's batch.
func (s *Scheduler) suspendRun(ctx context.Context, run *step.Run, needs *step.NeedsInput) {
	s.mu.Lock()
	s.pendingReqs[run.SpecID] = append(s.pendingReqs[run.SpecID], needs.Requests...)
	s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(needs.Requests))
	for _, req := range needs.Requests {
		ids = append(ids, req.ID)
	}
	if err := run.Suspend(ids); err != nil {
		s.failRun(ctx, run, &step.Failure{Class: step.ClassFatal, StepID: run.SpecID, Reason: "invalid run transition", Err: err})
		return
	}
	s.transition(run)
	s.progress(run)
	ctxlog.FromContext(ctx).Info("Step awaiting clarification.", "step", run.SpecID, "questions", len(needs.Requests))
}

// failRun records a terminal failure. An already-terminal run is left
// untouched so cancellation stays idempotent.
func (s *Scheduler) failRun(ctx context.Context, run *step.Run, f *step.Failure) {
	if err := run.Fail(f); err != nil {
		return
	}
	s.transition(run)
	s.progress(run)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StepFinished(run.SpecID, run.State().String())
	}
	ctxlog.FromContext(ctx).Error("Step failed.", "step", run.SpecID, "class", f.Class, "error", f)
}

// cascade marks every transitive dependent of a failed step FAILED with a
// blocked-by cause, without ever running them.
func (s *Scheduler) cascade(failure *step.Failure) {
	downstream, err := s.graph.TransitiveDependents(failure.StepID)
	if err != nil {
		return
	}
	for _, id := range downstream {
		run := s.runs[id]
		if run.State().Terminal() {
			continue
		}
		if ferr := run.Fail(&step.Failure{Class: failure.Class, StepID: id, BlockedBy: failure.StepID}); ferr == nil {
			s.transition(run)
			s.progress(run)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.StepFinished(id, run.State().String())
			}
		}
	}
}

// failRemaining marks any still non-terminal run FAILED after an abort.
func (s *Scheduler) failRemaining(cause error) {
	if cause == nil {
		return
	}
	for _, run := range s.runs {
		if run.State().Terminal() {
			continue
		}
		if err := run.Fail(&step.Failure{Class: step.ClassFatal, StepID: run.SpecID, Reason: "session aborted", Err: cause}); err == nil {
			s.transition(run)
			s.progress(run)
		}
	}
}

func (s *Scheduler) setFeedback(id string, fb []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[id] = fb
}

func (s *Scheduler) retried(id string, class step.Class) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StepRetried(id, string(class))
	}
}

func (s *Scheduler) transition(run *step.Run) {
	if s.cfg.Hooks.OnRunTransition != nil {
		s.cfg.Hooks.OnRunTransition(run)
	}
}

// progress appends a step-progress event. Consumers tolerate at-least-once
// delivery, so emitting on every transition is safe.
func (s *Scheduler) progress(run *step.Run) {
	s.cfg.Events.Append(events.KindStepProgress, run.SpecID, map[string]any{
		"state":   run.State().String(),
		"attempt": run.Attempts(),
	})
}

// suggestedDelay extracts a server-suggested retry delay when the failure
// carried one.
func suggestedDelay(err error) time.Duration {
	var cf *capability.Failure
	if errors.As(err, &cf) {
		return cf.RetryAfter
	}
	return 0
}
