package draft

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/step"
	"github.com/vk/permitgrid/internal/testutil"
)

func TestAssembleOrdersAndSummarizes(t *testing.T) {
	first := domain.NewDeficiencyItem(domain.CategoryZoning, "angular plane", "revise", 0)
	second := domain.NewDeficiencyItem(domain.CategoryFireAccess, "access route", "dimension", 1)
	unhandled := domain.NewDeficiencyItem(domain.CategoryServicing, "sanitary", "add plan", 2)

	draftFor := func(item domain.DeficiencyItem, flagged bool) *domain.DraftResponse {
		return &domain.DraftResponse{
			ID:           uuid.New(),
			DeficiencyID: item.ID,
			DraftText:    "response",
			Resolution:   domain.ResolutionResolved,
			Flagged:      flagged,
		}
	}

	in := &step.Input{
		Session: step.SessionInfo{ID: uuid.New(), Intake: testutil.Intake()},
		Step:    &step.Spec{ID: "assemble_package"},
		Upstream: map[string]*step.Output{
			"route": {
				Items:     []domain.DeficiencyItem{first, second},
				Unhandled: []domain.DeficiencyItem{unhandled},
			},
			// Specialist outputs arrive out of notice order.
			"fire":   {Drafts: []*domain.DraftResponse{draftFor(second, true)}},
			"zoning": {Drafts: []*domain.DraftResponse{draftFor(first, false)}},
		},
	}

	out, err := Assemble(context.Background(), &step.Env{}, in)
	require.NoError(t, err)
	pkg := out.Package
	require.NotNil(t, pkg)

	require.Len(t, pkg.Responses, 2)
	assert.Equal(t, first.ID, pkg.Responses[0].DeficiencyID, "responses follow notice order")
	assert.Equal(t, second.ID, pkg.Responses[1].DeficiencyID)

	require.Len(t, pkg.Unhandled, 1)
	assert.Equal(t, unhandled.ID, pkg.Unhandled[0].ID)

	assert.Equal(t, 3, pkg.Summary.TotalDeficiencies)
	assert.Equal(t, 2, pkg.Summary.Processed)
	assert.Equal(t, 1, pkg.Summary.Flagged)
	assert.Equal(t, 1, pkg.Summary.Unhandled)
	assert.Equal(t, 1, pkg.Summary.ByCategory[domain.CategoryZoning])
	assert.Equal(t, 1, pkg.Summary.ByCategory[domain.CategoryServicing])

	assert.Equal(t, in.Session.ID, pkg.SessionID)
	assert.Equal(t, testutil.Intake().PropertyAddress, pkg.PropertyAddress)
	assert.False(t, pkg.GeneratedAt.IsZero())
}

func TestAssembleEmptyUpstreamYieldsEmptyPackage(t *testing.T) {
	in := &step.Input{
		Session:  step.SessionInfo{ID: uuid.New(), Intake: testutil.Intake()},
		Step:     &step.Spec{ID: "assemble_package"},
		Upstream: map[string]*step.Output{},
	}

	out, err := Assemble(context.Background(), &step.Env{}, in)
	require.NoError(t, err)
	require.NotNil(t, out.Package)
	assert.Empty(t, out.Package.Responses)
	assert.Equal(t, 0, out.Package.Summary.TotalDeficiencies)
}

func TestModuleRegisters(t *testing.T) {
	r := step.NewRegistry()
	(&Module{}).Register(r)
	_, ok := r.Handler("draft.assemble")
	assert.True(t, ok)
}
