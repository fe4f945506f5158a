// Package draft assembles the terminal response package from every
// upstream step's output. It invokes no capability.
package draft

import (
	"context"
	"sort"
	"time"

	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/step"
)

// Module implements step.Module for this package.
type Module struct{}

// Register registers the handlers with the engine.
func (m *Module) Register(r *step.Registry) {
	r.RegisterHandler("draft.assemble", Assemble)
}

// Assemble gathers drafted responses, unhandled items, and deficiency items
// from every upstream output into one response package with recomputed
// summary statistics. Responses are ordered by the notice order of the
// deficiency they answer.
func Assemble(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
	pkg := &domain.ResponsePackage{
		SessionID:       in.Session.ID,
		PropertyAddress: in.Session.Intake.PropertyAddress,
		SuiteType:       in.Session.Intake.SuiteType,
		GeneratedAt:     time.Now().UTC(),
	}

	var items []domain.DeficiencyItem
	order := make(map[string]int)
	for _, out := range in.Upstream {
		pkg.Responses = append(pkg.Responses, out.Drafts...)
		pkg.Unhandled = append(pkg.Unhandled, out.Unhandled...)
		for _, item := range out.Items {
			items = append(items, item)
			order[item.ID.String()] = item.OrderIndex
		}
	}
	items = append(items, pkg.Unhandled...)

	sort.SliceStable(pkg.Responses, func(i, j int) bool {
		return order[pkg.Responses[i].DeficiencyID.String()] < order[pkg.Responses[j].DeficiencyID.String()]
	})
	sort.SliceStable(pkg.Unhandled, func(i, j int) bool {
		return pkg.Unhandled[i].OrderIndex < pkg.Unhandled[j].OrderIndex
	})

	pkg.Summarize(items)
	return &step.Output{Package: pkg}, nil
}
