package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/ctxlog"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/events"
	"github.com/vk/permitgrid/internal/step"
)

// auditVerdict is the payload shape the audit capability must return.
type auditVerdict struct {
	Pass  bool   `json:"pass"`
	Notes string `json:"notes,omitempty"`
}

// auditAndRevise audits every draft and reinvokes the owning step for the
// ones that fail, up to MaxRevisionCycles. Drafts still failing after the
// last cycle are flagged and shipped degraded rather than blocking the
// session. It reports whether any draft output was replaced.
func (s *Session) auditAndRevise(ctx context.Context) (bool, error) {
	if s.cfg.AuditCapability == "" || s.cfg.Env == nil || s.cfg.Env.Invoker == nil {
		return false, nil
	}
	logger := ctxlog.FromContext(ctx)
	s.setState(ctx, StateAuditing)

	revised := false
	for cycle := 0; ; cycle++ {
		failingFeedback := make(map[string][]string)
		var failingDrafts []*domain.DraftResponse

		for _, spec := range s.cfg.Specs {
			if !spec.Drafting {
				continue
			}
			run := s.sched.RunFor(spec.ID)
			if run == nil || run.Output() == nil {
				continue
			}
			for _, draft := range run.Output().Drafts {
				verdict, err := s.auditDraft(ctx, draft)
				if err != nil {
					return revised, err
				}
				if verdict.Pass {
					continue
				}
				draft.AuditNotes = append(draft.AuditNotes, verdict.Notes)
				failingDrafts = append(failingDrafts, draft)
				failingFeedback[spec.ID] = append(failingFeedback[spec.ID],
					fmt.Sprintf("audit finding for deficiency %s: %s", draft.DeficiencyID, verdict.Notes))
				s.events.Append(events.KindStepAuditFailed, spec.ID, map[string]any{
					"draft_id": draft.ID.String(),
					"notes":    verdict.Notes,
					"cycle":    cycle,
				})
			}
		}

		if len(failingFeedback) == 0 {
			return revised, nil
		}
		if cycle >= s.cfg.MaxRevisionCycles {
			for _, draft := range failingDrafts {
				draft.Flagged = true
				draft.FlagReason = fmt.Sprintf("audit findings unresolved after %d revision cycle(s)", s.cfg.MaxRevisionCycles)
			}
			logger.Warn("Revision cycles exhausted, shipping flagged drafts.",
				"flagged", len(failingDrafts), "cycles", s.cfg.MaxRevisionCycles)
			return revised, nil
		}

		s.setState(ctx, StateRevising)
		logger.Info("Audit findings require revision.", "steps", len(failingFeedback), "cycle", cycle+1)
		for stepID, feedback := range failingFeedback {
			run, err := s.sched.Reinvoke(ctx, stepID, feedback)
			if err != nil {
				return revised, err
			}
			if run.State() != step.StateSucceeded {
				return revised, run.Failure()
			}
			revised = true
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RevisionCycle()
			}
		}
		s.setState(ctx, StateAuditing)
	}
}

// auditDraft invokes the audit capability for one draft, retrying transient
// failures under the same backoff policy the pipeline steps use.
func (s *Session) auditDraft(ctx context.Context, draft *domain.DraftResponse) (auditVerdict, error) {
	var verdict auditVerdict
	retries := 0
	for {
		resp, err := s.cfg.Env.Invoker.Invoke(ctx, capability.Request{
			Capability: s.cfg.AuditCapability,
			Context: map[string]any{
				"draft_text":        draft.DraftText,
				"resolution_status": draft.Resolution,
				"reasoning":         draft.Reasoning,
				"citations":         draft.Citations,
			},
		})
		if err == nil {
			if derr := resp.Decode(&verdict); derr == nil {
				return verdict, nil
			} else {
				err = derr
			}
		}

		if step.Classify(err) != step.ClassTransient || retries >= s.cfg.Retry.MaxTransientRetries {
			return verdict, fmt.Errorf("auditing draft %s: %w", draft.ID, err)
		}
		retries++
		select {
		case <-ctx.Done():
			return verdict, ctx.Err()
		case <-time.After(s.cfg.Retry.Delay(retries, 0)):
		}
	}
}
