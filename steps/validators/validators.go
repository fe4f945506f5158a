// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package validators drafts correction responses for routed deficiency
// items. One generic specialist handler serves every regulatory category;
// the category-specific knowledge lives in the guidance passed to the
// reasoning capability, not in separate code paths.
package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/step"
	"github.com/vk/permitgrid/steps/route"
)

// Module implements step.Module for this package.
type Module struct{}

// Register registers the handlers with the engine.
func (m *Module) Register(r *step.Registry) {
	r.RegisterHandler("validators.specialist", Specialist)
}

// guidance carries the domain framing per category. The reasoning
// capability receives it verbatim as part of the prompt context.
var guidance = map[domain.Category]string{
	domain.CategoryZoning:         "Assess against By-law 569-2013 Chapter 150.8 (laneway suites) or 150.10 (garden suites): setbacks, angular planes, lot coverage, building height, soft landscaping.",
	domain.CategoryOBC:            "Assess against the Ontario Building Code: spatial separation, limiting distance, fire ratings, egress, ceiling heights.",
	domain.CategoryFireAccess:     "Assess fire access routes and hose travel distance to the principal entrance per OBC 9.10.14: an unobstructed path at least 1.0 m wide for garden suites, 0.9 m for laneway suites.",
	domain.CategoryTreeProtection: "Assess against the private tree by-law (Chapter 813, trees of 30 cm DBH or more) and urban forestry protection zones; note arborist report or permit-to-injure requirements.",
	domain.CategoryLandscaping:    "Assess soft landscaping percentages and permeable surface requirements for the rear yard.",
	domain.CategoryServicing:      "Assess water, sanitary, and storm connections, including shared service feasibility from the main dwelling.",
}

const lanewayAbutmentQuestion = "What is the length, in metres, of the lot line abutting the laneway?"

// draftPayload is the payload shape the reasoning capability returns.
type draftPayload struct {
	Drafts []struct {
		DeficiencyID      string `json:"deficiency_id"`
		DraftText         string `json:"draft_text"`
		ResolutionStatus  string `json:"resolution_status"`
		VarianceMagnitude string `json:"variance_magnitude"`
		Reasoning         string `json:"reasoning"`
		Citations         []struct {
			Bylaw   string `json:"bylaw"`
			Section string `json:"section"`
			Version string `json:"version"`
		} `json:"citations"`
	} `json:"drafts"`
}

var validResolutions = map[domain.ResolutionStatus]bool{
	domain.ResolutionResolved:        true,
	domain.ResolutionDrawingRevision: true,
	domain.ResolutionVariance:        true,
	domain.ResolutionLDA:             true,
	domain.ResolutionOutOfScope:      true,
}

// Specialist drafts a response for every routed item in the step's
// categories. A zoning specialist on a laneway suite needs the laneway
// abutment length; when neither the intake nor an answered clarification
// provides it, the step suspends instead of guessing.
func Specialist(ctx context.Context, env *step.Env, in *step.Input) (*step.Output, error) {
	items, err := route.ItemsFor(in)
	if err != nil {
		return nil, step.Fatal("resolving routed items", err)
	}
	if len(items) == 0 {
		return &step.Output{}, nil
	}

	reqCtx := map[string]any{
		"property_address": in.Session.Intake.PropertyAddress,
		"suite_type":       in.Session.Intake.SuiteType,
		"items":            items,
		"guidance":         guidanceFor(in.Step.Categories),
	}
	if len(in.Step.Params) > 0 {
		reqCtx["step_params"] = in.Step.Params
	}

	if needsAbutmentLength(in, items) {
		answer, ok := in.ClarifiedAnswer(lanewayAbutmentQuestion)
		if !ok {
			return nil, step.NeedInput(domain.NewClarificationRequest(
				in.Step.ID, lanewayAbutmentQuestion, "number", ""))
		}
		reqCtx["laneway_abutment_length"] = answer
	} else if in.Session.Intake.LanewayAbutmentLength > 0 {
		reqCtx["laneway_abutment_length"] = in.Session.Intake.LanewayAbutmentLength
	}

	resp, err := env.Invoker.Invoke(ctx, capability.Request{
		Capability: in.Step.Capability,
		Context:    reqCtx,
		Params:     map[string]string{"feedback": strings.Join(in.Feedback, "\n")},
	})
	if err != nil {
		return nil, err
	}

	var payload draftPayload
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]domain.DeficiencyItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	drafts := make([]*domain.DraftResponse, 0, len(payload.Drafts))
	for i, d := range payload.Drafts {
		defID, err := uuid.Parse(d.DeficiencyID)
		if err != nil {
			return nil, step.Structural(fmt.Sprintf("draft %d references malformed deficiency id %q", i, d.DeficiencyID), err)
		}
		if _, ok := byID[defID]; !ok {
			return nil, step.Structural(fmt.Sprintf("draft %d references deficiency %s outside this step's items", i, defID), nil)
		}
		resolution := domain.ResolutionStatus(strings.ToUpper(strings.TrimSpace(d.ResolutionStatus)))
		if !validResolutions[resolution] {
			return nil, step.Structural(fmt.Sprintf("draft %d carries unknown resolution status %q", i, d.ResolutionStatus), nil)
		}
		if d.DraftText == "" {
			return nil, step.Structural(fmt.Sprintf("draft %d has empty text", i), nil)
		}

		citations := make([]domain.Citation, 0, len(d.Citations))
		for _, c := range d.Citations {
			citations = append(citations, domain.Citation{Bylaw: c.Bylaw, Section: c.Section, Version: c.Version})
		}
		drafts = append(drafts, &domain.DraftResponse{
			ID:                uuid.New(),
			DeficiencyID:      defID,
			StepID:            in.Step.ID,
			DraftText:         d.DraftText,
			Citations:         citations,
			Resolution:        resolution,
			VarianceMagnitude: d.VarianceMagnitude,
			Reasoning:         d.Reasoning,
		})
	}
	if len(drafts) != len(items) {
		return nil, step.Structural(fmt.Sprintf("expected %d drafts, capability returned %d", len(items), len(drafts)), nil)
	}
	return &step.Output{Drafts: drafts}, nil
}

// needsAbutmentLength reports whether the step must know the laneway
// abutment length and the intake did not supply it.
func needsAbutmentLength(in *step.Input, items []domain.DeficiencyItem) bool {
	if in.Session.Intake.SuiteType != domain.SuiteLaneway || in.Session.Intake.LanewayAbutmentLength > 0 {
		return false
	}
	for _, item := range items {
		if item.Category == domain.CategoryZoning {
			return true
		}
	}
	return false
}

func guidanceFor(categories []domain.Category) string {
	parts := make([]string, 0, len(categories))
	for _, c := range categories {
		if g, ok := guidance[c]; ok {
			parts = append(parts, g)
		}
	}
	return strings.Join(parts, " ")
}
