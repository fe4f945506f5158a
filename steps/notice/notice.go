// Package notice parses an examiner's notice into categorized deficiency
// items using the extraction capability.
package notice

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/step"
)

// Module implements step.Module for this package.
type Module struct{}

// Register registers the handlers with the engine.
func (m *Module) Register(r *step.Registry) {
	r.RegisterHandler("notice.parse", Parse)
}

// extractedItem is the payload shape the extraction capability returns per
// deficiency.
type extractedItem struct {
	Category        string `json:"category"`
	RawNoticeText   string `json:"raw_notice_text"`
	ExtractedAction string `json:"extracted_action"`
}

type extraction struct {
	Items []extractedItem `json:"items"`
}

var knownCategories = map[domain.Category]bool{
	domain.CategoryZoning:         true,
	domain.CategoryOBC:            true,
	domain.CategoryFireAccess:     true,
	domain.CategoryTreeProtection: true,
	domain.CategoryLandscaping:    true,
	domain.CategoryServicing:      true,
	domain.CategoryOther:          true,
}

// Parse is the handler for notice parsing steps. It sends the raw notice
// through the extraction capability and normalizes the result: unrecognized
// categories collapse to OTHER instead of failing the run.
func Parse(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
	reqCtx := map[string]any{
		"notice_text":   in.Session.Intake.NoticeText,
		"suite_type":    in.Session.Intake.SuiteType,
		"bylaw_context": in.Session.Intake.BylawContext,
	}
	if len(in.Step.Params) > 0 {
		reqCtx["step_params"] = in.Step.Params
	}
	resp, err := env.Invoker.Invoke(ctx, capability.Request{
		Capability: in.Step.Capability,
		Context:    reqCtx,
		Params:     map[string]string{"feedback": strings.Join(in.Feedback, "\n")},
	})
	if err != nil {
		return nil, err
	}

	var parsed extraction
	if err := resp.Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Items) == 0 {
		return nil, step.Structural("extraction returned no deficiency items", nil)
	}

	items := make([]domain.DeficiencyItem, 0, len(parsed.Items))
	for i, raw := range parsed.Items {
		if raw.RawNoticeText == "" {
			return nil, step.Structural(fmt.Sprintf("extracted item %d has no notice text", i), nil)
		}
		category := domain.Category(strings.ToUpper(strings.TrimSpace(raw.Category)))
		if !knownCategories[category] {
			category = domain.CategoryOther
		}
		items = append(items, domain.NewDeficiencyItem(category, raw.RawNoticeText, raw.ExtractedAction, i))
	}
	return &step.Output{Items: items}, nil
}
