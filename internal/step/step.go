// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// Package step defines the unit of work the orchestrator schedules: the
// static StepSpec (identity, declared dependencies, handler), the per-session
// StepRun that tracks one spec's execution, and the typed signals a handler
// uses to report missing input or classified failure.
package step

import (
	"context"

	"github.com/google/uuid"

	"github.com/vk/permitgrid/internal/capability"
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/knowledge"
)

// Env holds the external collaborators a handler may call. Handlers receive
// it on every invocation instead of capturing globals, so concurrent
// sessions share no mutable state.
type Env struct {
	Invoker   capability.Invoker
	Knowledge knowledge.Resolver
}

// SessionInfo is the read-only slice of session context handlers see.
type SessionInfo struct {
	ID     uuid.UUID
	Intake domain.Intake
}

// Input is everything a handler invocation may draw on: session context,
// the outputs of every declared upstream step, the answered clarification
// requests this step raised on earlier attempts, and corrective feedback
// from a guardrail or audit pass.
type Input struct {
	Session SessionInfo
	// Step is the invoking step's own spec: its capability binding and the
	// deficiency categories it covers.
	Step *Spec
	// Pipeline is the full read-only spec set, for steps that need to know
	// what the rest of the graph covers (routing).
	Pipeline       []*Spec
	Upstream       map[string]*Output
	Clarifications []domain.ClarificationRequest
	Feedback       []string
}

// ClarifiedAnswer returns the answer to a previously raised question. A
// handler asks the same question on every attempt; once the answer is in,
// this lookup short-circuits raising it again.
func (in *Input) ClarifiedAnswer(question string) (string, bool) {
	for _, c := range in.Clarifications {
		if c.Question == question && c.Answered() {
			return c.Answer, true
		}
	}
	return "", false
}

// Output is the structured result of a successful step invocation. Fields
// are populated according to what kind of step produced it; downstream
// steps pick the fields they declared an interest in.
type Output struct {
	// Items are categorized deficiency items (notice parsing, routing).
	Items []domain.DeficiencyItem `json:"items,omitempty"`
	// Unhandled are items no registered specialist covers.
	Unhandled []domain.DeficiencyItem `json:"unhandled,omitempty"`
	// Drafts are citation-backed responses (specialist and drafting steps).
	Drafts []*domain.DraftResponse `json:"drafts,omitempty"`
	// Package is the assembled terminal output (packaging step only).
	Package *domain.ResponsePackage `json:"package,omitempty"`
	// Data carries any additional step-specific values.
	Data map[string]any `json:"data,omitempty"`
}

// Handler executes one step attempt. It returns the step output, a
// *NeedsInput error to suspend for clarification, or a failure that the
// scheduler classifies per the error taxonomy.
type Handler func(ctx context.Context, env *Env, in *Input) (*Output, error)

// Spec is the static definition of a step. Specs are built once at startup
// from the pipeline configuration and shared read-only across sessions.
type Spec struct {
	// ID names the step instance within the pipeline.
	ID string
	// DependsOn lists upstream step IDs whose outputs this step consumes.
	DependsOn []string
	// Capability is the capability id the handler invokes, empty for pure
	// orchestration steps such as routing and packaging.
	Capability string
	// Categories restricts a specialist step to deficiency categories.
	Categories []domain.Category
	// Drafting marks steps whose outputs pass the citation guardrail.
	Drafting bool
	// Params are free-form tuning values from the step's pipeline block,
	// forwarded verbatim to the capability on every invocation.
	Params map[string]any
	// Run is the handler bound from the registry.
	Run Handler
}

// Handles reports whether the spec covers the given deficiency category.
func (s *Spec) Handles(c domain.Category) bool {
	for _, cat := range s.Categories {
		if cat == c {
			return true
		}
	}
	return false
}
