package notice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/step"
	"github.com/vk/permitgrid/internal/testutil"
)

func parseInput() *step.Input {
	return &step.Input{
		Session: step.SessionInfo{Intake: testutil.Intake()},
		Step:    &step.Spec{ID: "parse_notice", Capability: "extraction"},
	}
}

func TestParseNormalizesCategories(t *testing.T) {
	invoker := testutil.NewScriptedInvoker().Respond("extraction", map[string]any{
		"items": []map[string]any{
			{"category": "zoning", "raw_notice_text": "angular plane exceeded", "extracted_action": "revise massing"},
			{"category": "FIRE_ACCESS", "raw_notice_text": "access route unclear", "extracted_action": "dimension route"},
			{"category": "HERITAGE", "raw_notice_text": "heritage review required", "extracted_action": ""},
		},
	})

	out, err := Parse(context.Background(), &step.Env{Invoker: invoker}, parseInput())
	require.NoError(t, err)
	require.Len(t, out.Items, 3)

	assert.Equal(t, domain.CategoryZoning, out.Items[0].Category)
	assert.Equal(t, domain.CategoryFireAccess, out.Items[1].Category)
	assert.Equal(t, domain.CategoryOther, out.Items[2].Category, "unknown categories collapse to OTHER")

	for i, item := range out.Items {
		assert.Equal(t, i, item.OrderIndex)
		assert.NotEqual(t, "", item.ID.String())
	}
}

func TestParseEmptyExtractionIsStructural(t *testing.T) {
	invoker := testutil.NewScriptedInvoker().Respond("extraction", map[string]any{"items": []any{}})

	_, err := Parse(context.Background(), &step.Env{Invoker: invoker}, parseInput())
	require.Error(t, err)
	assert.Equal(t, step.ClassStructural, step.Classify(err))
}

func TestParseItemWithoutTextIsStructural(t *testing.T) {
	invoker := testutil.NewScriptedInvoker().Respond("extraction", map[string]any{
		"items": []map[string]any{{"category": "ZONING", "raw_notice_text": ""}},
	})

	_, err := Parse(context.Background(), &step.Env{Invoker: invoker}, parseInput())
	require.Error(t, err)
	assert.Equal(t, step.ClassStructural, step.Classify(err))
}

func TestParsePropagatesCapabilityFailure(t *testing.T) {
	invoker := testutil.NewScriptedInvoker()

	_, err := Parse(context.Background(), &step.Env{Invoker: invoker}, parseInput())
	require.Error(t, err)
	assert.Equal(t, step.ClassTransient, step.Classify(err))
}

func TestModuleRegisters(t *testing.T) {
	r := step.NewRegistry()
	(&Module{}).Register(r)
	_, ok := r.Handler("notice.parse")
	assert.True(t, ok)
}
