// Package domain defines the data model of a permit correction run: the
// session, the deficiency items extracted from an examiner's notice, the
// drafted responses with their regulatory citations, and the clarification
// exchanges raised while a draft is in flight.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SuiteType classifies the ancillary dwelling the submission covers.
type SuiteType string

const (
	SuiteGarden  SuiteType = "GARDEN"
	SuiteLaneway SuiteType = "LANEWAY"
)

// Category classifies a deficiency by the regulatory domain it falls under.
type Category string

const (
	CategoryZoning         Category = "ZONING"
	CategoryOBC            Category = "OBC"
	CategoryFireAccess     Category = "FIRE_ACCESS"
	CategoryTreeProtection Category = "TREE_PROTECTION"
	CategoryLandscaping    Category = "LANDSCAPING"
	CategoryServicing      Category = "SERVICING"
	CategoryOther          Category = "OTHER"
)

// ResolutionStatus is the disposition a specialist step assigns to a
// deficiency in its drafted response.
type ResolutionStatus string

const (
	ResolutionResolved        ResolutionStatus = "RESOLVED"
	ResolutionDrawingRevision ResolutionStatus = "DRAWING_REVISION_NEEDED"
	ResolutionVariance        ResolutionStatus = "VARIANCE_REQUIRED"
	ResolutionLDA             ResolutionStatus = "LDA_REQUIRED"
	ResolutionOutOfScope      ResolutionStatus = "OUT_OF_SCOPE"
)

// Intake holds the fixed inputs a session is created with. The orchestrator
// treats these as opaque context beyond routing them into step inputs.
type Intake struct {
	PropertyAddress       string    `json:"property_address" yaml:"property_address"`
	SuiteType             SuiteType `json:"suite_type" yaml:"suite_type"`
	NoticeText            string    `json:"notice_text" yaml:"notice_text"`
	PlanDocuments         []string  `json:"plan_documents,omitempty" yaml:"plan_documents,omitempty"`
	BylawContext          string    `json:"bylaw_context,omitempty" yaml:"bylaw_context,omitempty"`
	LanewayAbutmentLength float64   `json:"laneway_abutment_length,omitempty" yaml:"laneway_abutment_length,omitempty"`
}

// DeficiencyItem is one deficiency extracted from the examiner's notice.
type DeficiencyItem struct {
	ID              uuid.UUID `json:"id"`
	Category        Category  `json:"category"`
	RawNoticeText   string    `json:"raw_notice_text"`
	ExtractedAction string    `json:"extracted_action"`
	Confidence      float64   `json:"confidence"`
	OrderIndex      int       `json:"order_index"`
}

// NewDeficiencyItem returns an item with a fresh identifier and the default
// extraction confidence.
func NewDeficiencyItem(category Category, noticeText, action string, order int) DeficiencyItem {
	return DeficiencyItem{
		ID:              uuid.New(),
		Category:        category,
		RawNoticeText:   noticeText,
		ExtractedAction: action,
		Confidence:      0.8,
		OrderIndex:      order,
	}
}

// DraftResponse is a specialist step's drafted correction response for one
// deficiency, including the citations backing it.
type DraftResponse struct {
	ID                uuid.UUID        `json:"id"`
	DeficiencyID      uuid.UUID        `json:"deficiency_id"`
	StepID            string           `json:"step_id"`
	DraftText         string           `json:"draft_text"`
	Citations         []Citation       `json:"citations"`
	Resolution        ResolutionStatus `json:"resolution_status"`
	VarianceMagnitude string           `json:"variance_magnitude,omitempty"`
	Reasoning         string           `json:"reasoning"`

	// Flagged marks a degraded draft: either a claim whose citation was
	// rejected, or an item that exhausted its revision cycles.
	Flagged    bool     `json:"flagged,omitempty"`
	FlagReason string   `json:"flag_reason,omitempty"`
	AuditNotes []string `json:"audit_notes,omitempty"`
}

// AllCitationsBound reports whether every citation attached to the draft has
// been validated against the corpus.
func (d *DraftResponse) AllCitationsBound() bool {
	for i := range d.Citations {
		if !d.Citations[i].Bound {
			return false
		}
	}
	return true
}

// ClarificationRequest is a structured question a step raises when required
// information is missing from its input. Raising one suspends the step
// without failing it; once answered the request is immutable.
type ClarificationRequest struct {
	ID          uuid.UUID `json:"id"`
	StepID      string    `json:"step_id"`
	Question    string    `json:"question"`
	AnswerShape string    `json:"answer_shape,omitempty"`
	Default     string    `json:"default,omitempty"`

	Answer     string     `json:"answer,omitempty"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// NewClarificationRequest creates an unanswered request attributed to the
// given step.
func NewClarificationRequest(stepID, question, answerShape, def string) ClarificationRequest {
	return ClarificationRequest{
		ID:          uuid.New(),
		StepID:      stepID,
		Question:    question,
		AnswerShape: answerShape,
		Default:     def,
		AskedAt:     time.Now().UTC(),
	}
}

// Answered reports whether an answer has been attached.
func (c *ClarificationRequest) Answered() bool {
	return c.AnsweredAt != nil
}

// ResponsePackage is the terminal output of a completed session: every
// drafted item grouped with summary statistics, mirroring what the
// presentation layer delivers to the applicant.
type ResponsePackage struct {
	SessionID       uuid.UUID        `json:"session_id"`
	PropertyAddress string           `json:"property_address"`
	SuiteType       SuiteType        `json:"suite_type"`
	Responses       []*DraftResponse `json:"responses"`
	Unhandled       []DeficiencyItem `json:"unhandled,omitempty"`
	Summary         PackageSummary   `json:"summary"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// PackageSummary aggregates package-level statistics by category.
type PackageSummary struct {
	TotalDeficiencies int              `json:"total_deficiencies"`
	Processed         int              `json:"processed"`
	Flagged           int              `json:"flagged"`
	Unhandled         int              `json:"unhandled"`
	ByCategory        map[Category]int `json:"by_category"`
}

// Summarize recomputes the package summary from its responses.
func (p *ResponsePackage) Summarize(items []DeficiencyItem) {
	s := PackageSummary{ByCategory: make(map[Category]int)}
	s.TotalDeficiencies = len(items)
	s.Processed = len(p.Responses)
	s.Unhandled = len(p.Unhandled)
	for _, r := range p.Responses {
		if r.Flagged {
			s.Flagged++
		}
	}
	for _, it := range items {
		s.ByCategory[it.Category]++
	}
	p.Summary = s
}
