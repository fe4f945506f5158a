// Package guardrail validates every citation a drafting step emits against
// the knowledge corpus before it is accepted into session output. The
// structured citation list on the draft is the only authoritative source;
// references embedded in free-form text are never parsed or trusted.
package guardrail

import (
	"context"
	"fmt"

	"github.com/vk/permitgrid/internal/ctxlog"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/knowledge"
)

// Rejection records one candidate citation that failed validation.
type Rejection struct {
	Citation domain.Citation `json:"citation"`
	Reason   string          `json:"reason"`
}

// Guardrail binds candidate citations via the knowledge resolver.
type Guardrail struct {
	resolver knowledge.Resolver
}

// New creates a guardrail over the given resolver.
func New(resolver knowledge.Resolver) *Guardrail {
	return &Guardrail{resolver: resolver}
}

// Bind validates the draft's citation list in place and returns the
// rejections, if any. Policy:
//
//   - an unresolvable candidate is rejected and the draft is flagged so the
//     associated claim is surfaced rather than silently dropped;
//   - a candidate that resolves to a subsection is bound together with its
//     parent-section key, so composite "lesser of / greater of" rules stay
//     representable;
//   - a superseded entry is accepted but annotated with its superseding
//     reference.
//
// A resolver transport error aborts the pass without mutating bindings; the
// caller retries it as a transient failure.
func (g *Guardrail) Bind(ctx context.Context, draft *domain.DraftResponse) ([]Rejection, error) {
	logger := ctxlog.FromContext(ctx)

	type binding struct {
		idx int
		res knowledge.Resolution
	}
	var (
		bindings   []binding
		rejections []Rejection
	)

	for i := range draft.Citations {
		c := &draft.Citations[i]
		if c.Bound {
			continue
		}
		res, err := g.resolver.Resolve(ctx, c.Key())
		if err != nil {
			return nil, fmt.Errorf("citation lookup failed for %q: %w", c.Key(), err)
		}
		if !res.Exists {
			rejections = append(rejections, Rejection{
				Citation: *c,
				Reason:   fmt.Sprintf("citation %q does not resolve to a corpus entry", c.Key()),
			})
			continue
		}
		bindings = append(bindings, binding{idx: i, res: res})
	}

	if len(rejections) > 0 {
		draft.Flagged = true
		draft.FlagReason = fmt.Sprintf("%d citation(s) failed validation", len(rejections))
		for _, rej := range rejections {
			logger.Warn("Citation rejected.", "step", draft.StepID, "key", rej.Citation.Key(), "reason", rej.Reason)
		}
		return rejections, nil
	}

	// All candidates resolved; freeze the bindings.
	for _, b := range bindings {
		c := &draft.Citations[b.idx]
		c.Bound = true
		c.CanonicalKey = b.res.CanonicalKey
		c.ParentKey = b.res.ParentKey
		c.EffectiveDate = b.res.EffectiveDate
		c.SupersededBy = b.res.SupersededBy
		if c.SupersededBy != "" {
			logger.Info("Superseded citation accepted with annotation.",
				"step", draft.StepID, "key", c.Key(), "superseded_by", c.SupersededBy)
		}
	}
	return nil, nil
}

// Feedback renders rejections as corrective feedback for the originating
// step's single retry pass.
func Feedback(rejections []Rejection) []string {
	out := make([]string, 0, len(rejections))
	for _, r := range rejections {
		out = append(out, fmt.Sprintf(
			"citation %q was rejected: %s; cite only sections that exist in the regulatory corpus or flag the claim as unverified",
			r.Citation.Key(), r.Reason))
	}
	return out
}
