// Package route partitions extracted deficiency items by regulatory
// category and separates out the ones no specialist step in the pipeline
// covers. It is pure orchestration and invokes no capability.
package route

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/step"
)

// Module implements step.Module for this package.
type Module struct{}

// Register registers the handlers with the engine.
func (m *Module) Register(r *step.Registry) {
	r.RegisterHandler("route.categorize", Categorize)
}

// Categorize reads the deficiency items from its upstream parse step and
// splits them into routed and unhandled. An item is unhandled when no
// drafting step in the pipeline declares its category; those are carried
// through to the final package untouched rather than silently dropped.
func Categorize(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
	var items []domain.DeficiencyItem
	for _, out := range in.Upstream {
		items = append(items, out.Items...)
	}
	if len(items) == 0 {
		return nil, step.Fatal("no deficiency items to route", nil)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].OrderIndex < items[j].OrderIndex })

	covered := make(map[domain.Category]bool)
	for _, spec := range in.Pipeline {
		if !spec.Drafting {
			continue
		}
		for _, c := range spec.Categories {
			covered[c] = true
		}
	}

	var routed, unhandled []domain.DeficiencyItem
	byCategory := make(map[domain.Category]int)
	for _, item := range items {
		if covered[item.Category] {
			routed = append(routed, item)
			byCategory[item.Category]++
		} else {
			unhandled = append(unhandled, item)
		}
	}

	counts := make(map[string]any, len(byCategory))
	for c, n := range byCategory {
		counts[string(c)] = n
	}
	return &step.Output{
		Items:     routed,
		Unhandled: unhandled,
		Data:      map[string]any{"routed_by_category": counts},
	}, nil
}

// ItemsFor filters an upstream routing output down to the categories a
// specialist step declares.
func ItemsFor(in *step.Input) ([]domain.DeficiencyItem, error) {
	if in.Step == nil {
		return nil, fmt.Errorf("specialist input carries no step spec")
	}
	if len(in.Step.Categories) == 0 {
		return nil, fmt.Errorf("step %s declares no categories", in.Step.ID)
	}
	var mine []domain.DeficiencyItem
	for _, out := range in.Upstream {
		for _, item := range out.Items {
			if in.Step.Handles(item.Category) {
				mine = append(mine, item)
			}
		}
	}
	return mine, nil
}
