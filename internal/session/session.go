// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package session owns the lifecycle of one permit correction run. It walks
// the state machine from intake through analysis, clarification, audit, and
// revision to a terminal state, enforces the processing budget, and journals
// every transition so a crashed session resumes instead of restarting.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/permitgrid/internal/clarify"
	"github.com/vk/permitgrid/internal/ctxlog"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/events"
	"github.com/vk/permitgrid/internal/guardrail"
	"github.com/vk/permitgrid/internal/journal"
	"github.com/vk/permitgrid/internal/metrics"
	"github.com/vk/permitgrid/internal/scheduler"
	"github.com/vk/permitgrid/internal/step"
)

// State is a session lifecycle state.
type State string

const (
	StateIntake     State = "INTAKE"
	StateIngesting  State = "INGESTING"
	StateAnalyzing  State = "ANALYZING"
	StateClarifying State = "CLARIFYING"
	StateAuditing   State = "AUDITING"
	StateRevising   State = "REVISING"
	StateDrafting   State = "DRAFTING"
	StateComplete   State = "COMPLETE"
	StateError      State = "ERROR"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// ErrBudgetExceeded is the cancellation cause when processing time runs out.
// Time spent waiting on humans never counts against the budget.
var ErrBudgetExceeded = errors.New("session processing budget exceeded")

// Config assembles one session.
type Config struct {
	Intake domain.Intake
	// Specs is the full pipeline including the packaging step.
	Specs []*step.Spec
	Env   *step.Env
	// Guardrail validates draft citations; nil disables binding.
	Guardrail *guardrail.Guardrail
	Metrics   *metrics.Metrics
	// Journal receives every transition; nil disables persistence.
	Journal *journal.Journal
	// Budget caps processing wall time, zero means unbounded.
	Budget time.Duration
	// MaxRevisionCycles bounds audit-driven rework before drafts are
	// flagged and shipped degraded.
	MaxRevisionCycles int
	// AuditCapability names the capability used to audit drafts, empty
	// disables the audit phase.
	AuditCapability string
	// PackagingStepID names the step whose output is the response package.
	PackagingStepID string
	Workers         int
	Retry           scheduler.RetryConfig
}

// Session is one run of the correction pipeline.
type Session struct {
	ID uuid.UUID

	cfg    Config
	events *events.Log
	ctrl   *clarify.Controller
	sched  *scheduler.Scheduler

	mu             sync.Mutex
	state          State
	start          time.Time
	clarifyStarted time.Time
	warned         bool
	failure        error
	pkg            *domain.ResponsePackage
}

// New assembles a session in INTAKE. The scheduler and graph are validated
// eagerly so a malformed pipeline fails before any work starts.
func New(cfg Config) (*Session, error) {
	if cfg.MaxRevisionCycles < 0 {
		return nil, fmt.Errorf("max revision cycles must be non-negative, got %d", cfg.MaxRevisionCycles)
	}
	if cfg.MaxRevisionCycles == 0 {
		cfg.MaxRevisionCycles = 2
	}
	if cfg.Retry.MaxTransientRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = scheduler.DefaultRetryConfig()
	}

	id := uuid.New()
	s := &Session{
		ID:     id,
		cfg:    cfg,
		events: events.NewLog(id),
		ctrl:   clarify.NewController(id),
		state:  StateIntake,
	}

	sched, err := scheduler.New(scheduler.Config{
		Session:        step.SessionInfo{ID: id, Intake: cfg.Intake},
		Specs:          cfg.Specs,
		Env:            cfg.Env,
		Guardrail:      cfg.Guardrail,
		Clarifications: s.ctrl,
		Events:         s.events,
		Metrics:        cfg.Metrics,
		Workers:        cfg.Workers,
		Retry:          cfg.Retry,
		Hooks: scheduler.Hooks{
			OnClarifying:    s.onClarifying,
			OnResumed:       s.onResumed,
			OnRunTransition: s.onRunTransition,
		},
	})
	if err != nil {
		return nil, err
	}
	s.sched = sched
	return s, nil
}

// Resume builds a session from a journal snapshot. SUCCEEDED runs keep
// their outputs and are not re-executed; answered clarifications are
// re-seeded so resumed steps see them.
func Resume(cfg Config, snap *journal.Snapshot) (*Session, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for id, rec := range snap.Runs {
		state, err := journal.ParseRunState(rec.State)
		if err != nil {
			return nil, fmt.Errorf("replaying run %s: %w", id, err)
		}
		// Non-terminal states collapse to PENDING; that work is re-driven.
		if state != step.StateSucceeded {
			state = step.StatePending
		}
		s.sched.Restore(id, state, rec.Output, rec.Attempts)
	}
	s.ctrl.SeedResolved(snap.Clarifications)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the session's event log.
func (s *Session) Events() *events.Log { return s.events }

// Clarifications returns the clarification controller, the surface through
// which an answer set is submitted.
func (s *Session) Clarifications() *clarify.Controller { return s.ctrl }

// Runs exposes the scheduler's run set for inspection.
func (s *Session) Runs() map[string]*step.Run { return s.sched.Runs() }

// Package returns the assembled response package, nil before COMPLETE.
func (s *Session) Package() *domain.ResponsePackage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkg
}

// Failure returns the terminal error, nil unless the session ended in ERROR.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Run drives the session to COMPLETE or ERROR. It is called exactly once.
func (s *Session) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("session_id", s.ID)
	ctx = ctxlog.WithLogger(ctx, logger)

	s.mu.Lock()
	s.start = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if s.cfg.Budget > 0 {
		go s.watchBudget(ctx, cancel)
	}

	s.setState(ctx, StateIntake)
	if err := s.validateIntake(); err != nil {
		return s.fail(ctx, "invalid intake", err)
	}

	s.setState(ctx, StateIngesting)
	s.setState(ctx, StateAnalyzing)
	if err := s.sched.Run(ctx); err != nil {
		if errors.Is(context.Cause(ctx), ErrBudgetExceeded) {
			return s.fail(ctx, "processing budget exhausted", ErrBudgetExceeded)
		}
		return s.fail(ctx, "pipeline failed", err)
	}

	revised, err := s.auditAndRevise(ctx)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrBudgetExceeded) {
			return s.fail(ctx, "processing budget exhausted", ErrBudgetExceeded)
		}
		return s.fail(ctx, "audit failed", err)
	}

	s.setState(ctx, StateDrafting)
	pkg, err := s.assemble(ctx, revised)
	if err != nil {
		return s.fail(ctx, "packaging failed", err)
	}
	if err := s.completionGate(pkg); err != nil {
		return s.fail(ctx, "completion gate", err)
	}

	s.mu.Lock()
	s.pkg = pkg
	s.mu.Unlock()

	s.setState(ctx, StateComplete)
	s.events.Append(events.KindComplete, "", map[string]any{
		"responses": len(pkg.Responses),
		"flagged":   pkg.Summary.Flagged,
		"unhandled": pkg.Summary.Unhandled,
	})
	s.finishMetrics(StateComplete)
	logger.Info("Session complete.", "responses", len(pkg.Responses), "flagged", pkg.Summary.Flagged)
	return nil
}

func (s *Session) validateIntake() error {
	if s.cfg.Intake.NoticeText == "" {
		return errors.New("intake has no examiner notice text")
	}
	switch s.cfg.Intake.SuiteType {
	case domain.SuiteGarden, domain.SuiteLaneway:
		return nil
	default:
		return fmt.Errorf("unknown suite type %q", s.cfg.Intake.SuiteType)
	}
}

// assemble produces the terminal response package. When revision replaced
// draft outputs, the packaging step is re-run so the package reflects them.
func (s *Session) assemble(ctx context.Context, revised bool) (*domain.ResponsePackage, error) {
	if s.cfg.PackagingStepID == "" {
		return s.collectPackage(), nil
	}
	run := s.sched.RunFor(s.cfg.PackagingStepID)
	if run == nil {
		return nil, fmt.Errorf("packaging step %q is not part of the pipeline", s.cfg.PackagingStepID)
	}
	if revised {
		var err error
		run, err = s.sched.Reinvoke(ctx, s.cfg.PackagingStepID, nil)
		if err != nil {
			return nil, err
		}
		if run.State() != step.StateSucceeded {
			return nil, run.Failure()
		}
	}
	out := run.Output()
	if out == nil || out.Package == nil {
		return nil, fmt.Errorf("packaging step %q produced no package", s.cfg.PackagingStepID)
	}
	return out.Package, nil
}

// collectPackage assembles a package directly from run outputs for
// pipelines without a dedicated packaging step.
func (s *Session) collectPackage() *domain.ResponsePackage {
	pkg := &domain.ResponsePackage{
		SessionID:       s.ID,
		PropertyAddress: s.cfg.Intake.PropertyAddress,
		SuiteType:       s.cfg.Intake.SuiteType,
		GeneratedAt:     time.Now().UTC(),
	}
	var items []domain.DeficiencyItem
	for _, run := range s.sched.Runs() {
		out := run.Output()
		if out == nil {
			continue
		}
		pkg.Responses = append(pkg.Responses, out.Drafts...)
		pkg.Unhandled = append(pkg.Unhandled, out.Unhandled...)
		items = append(items, out.Items...)
	}
	pkg.Summarize(items)
	return pkg
}

// completionGate enforces the terminal invariant: no unflagged draft may
// carry an unbound citation.
func (s *Session) completionGate(pkg *domain.ResponsePackage) error {
	for _, draft := range pkg.Responses {
		if !draft.Flagged && !draft.AllCitationsBound() {
			return fmt.Errorf("draft %s carries unbound citations", draft.ID)
		}
	}
	return nil
}

// fail moves the session to ERROR with the first surfaced cause.
func (s *Session) fail(ctx context.Context, reason string, err error) error {
	wrapped := fmt.Errorf("%s: %w", reason, err)
	s.mu.Lock()
	s.failure = wrapped
	s.mu.Unlock()

	s.setState(ctx, StateError)
	s.events.Append(events.KindError, "", map[string]any{"reason": reason, "error": err.Error()})
	s.finishMetrics(StateError)
	ctxlog.FromContext(ctx).Error("Session failed.", "reason", reason, "error", err)
	return wrapped
}

func (s *Session) finishMetrics(terminal State) {
	if s.cfg.Metrics == nil {
		return
	}
	s.mu.Lock()
	elapsed := time.Since(s.start)
	s.mu.Unlock()
	s.cfg.Metrics.SessionFinished(string(terminal), elapsed.Seconds())
}

func (s *Session) setState(ctx context.Context, next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		ctxlog.FromContext(ctx).Debug("Session state changed.", "from", prev, "to", next)
	}
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.SessionState(string(next)); err != nil {
			ctxlog.FromContext(ctx).Warn("Journaling session state failed.", "state", next, "error", err)
		}
	}
}

func (s *Session) onClarifying(batch *clarify.Batch) {
	s.mu.Lock()
	s.state = StateClarifying
	s.clarifyStarted = time.Now()
	s.mu.Unlock()
	if s.cfg.Journal != nil {
		_ = s.cfg.Journal.SessionState(string(StateClarifying))
	}
}

func (s *Session) onResumed() {
	s.mu.Lock()
	s.state = StateAnalyzing
	s.clarifyStarted = time.Time{}
	s.mu.Unlock()
	if s.cfg.Journal != nil {
		_ = s.cfg.Journal.SessionState(string(StateAnalyzing))
		_ = s.cfg.Journal.ClarificationsResolved(s.ctrl.Resolved())
	}
}

func (s *Session) onRunTransition(run *step.Run) {
	if s.cfg.Journal != nil {
		_ = s.cfg.Journal.RunTransition(run)
	}
}

// budgetRemaining measures the budget against a deadline that moves forward
// by every answered human wait, so time spent on clarifications never counts
// against processing.
func (s *Session) budgetRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Budget + s.ctrl.HumanWait() - time.Since(s.start)
}

// watchBudget cancels the session when processing time exceeds the budget.
// A breach observed while waiting on a clarification only emits a single
// budget-warning event; once the answer arrives the deadline absorbs the
// wait, and the session is cancelled only if processing itself runs out.
func (s *Session) watchBudget(ctx context.Context, cancel context.CancelCauseFunc) {
	for {
		remaining := s.budgetRemaining()
		if remaining <= 0 {
			s.mu.Lock()
			waiting := !s.clarifyStarted.IsZero()
			warned := s.warned
			s.warned = true
			s.mu.Unlock()

			if !waiting {
				cancel(ErrBudgetExceeded)
				return
			}
			if !warned {
				s.events.Append(events.KindBudgetWarning, "", map[string]any{
					"budget": s.cfg.Budget.String(),
				})
			}
			remaining = 25 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}
