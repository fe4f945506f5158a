package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/knowledge"
)

func testCorpus() *knowledge.Corpus {
	c := knowledge.NewCorpus()
	c.Add(knowledge.Entry{
		Key:           "569-2013/150.8.60.1",
		ParentKey:     "569-2013/150.8.60",
		EffectiveDate: "2018-06-27",
	})
	c.Add(knowledge.Entry{
		Key:          "OBC/9.5.3.1",
		SupersededBy: "OBC/9.5.3.2",
	})
	return c
}

func draftWith(citations ...domain.Citation) *domain.DraftResponse {
	return &domain.DraftResponse{
		ID:           uuid.New(),
		DeficiencyID: uuid.New(),
		StepID:       "zoning",
		DraftText:    "The proposed height complies with the maximum permitted.",
		Citations:    citations,
		Resolution:   domain.ResolutionResolved,
	}
}

func TestBindValidCitation(t *testing.T) {
	g := New(testCorpus())
	draft := draftWith(domain.Citation{Bylaw: "569-2013", Section: "150.8.60.1", Version: "current"})

	rejections, err := g.Bind(context.Background(), draft)
	require.NoError(t, err)
	assert.Empty(t, rejections)

	c := draft.Citations[0]
	assert.True(t, c.Bound)
	assert.Equal(t, "569-2013/150.8.60.1", c.CanonicalKey)
	assert.Equal(t, "569-2013/150.8.60", c.ParentKey)
	assert.Equal(t, "2018-06-27", c.EffectiveDate)
	assert.False(t, draft.Flagged)
	assert.True(t, draft.AllCitationsBound())
}

func TestBindRejectsNonexistentKey(t *testing.T) {
	g := New(testCorpus())
	draft := draftWith(domain.Citation{Bylaw: "569-2013", Section: "150.8.60.99", Version: "current"})

	rejections, err := g.Bind(context.Background(), draft)
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Contains(t, rejections[0].Reason, "does not resolve")

	// The claim is flagged, never silently dropped, and stays unbound.
	assert.True(t, draft.Flagged)
	assert.False(t, draft.Citations[0].Bound)
	assert.False(t, draft.AllCitationsBound())
}

func TestBindRejectionLeavesSiblingsUnbound(t *testing.T) {
	g := New(testCorpus())
	draft := draftWith(
		domain.Citation{Bylaw: "569-2013", Section: "150.8.60.1"},
		domain.Citation{Bylaw: "569-2013", Section: "150.8.60.99"},
	)

	rejections, err := g.Bind(context.Background(), draft)
	require.NoError(t, err)
	require.Len(t, rejections, 1)

	// A draft with any rejection binds nothing: it goes back to the step
	// for a corrective pass as a whole.
	assert.False(t, draft.Citations[0].Bound)
	assert.False(t, draft.Citations[1].Bound)
}

func TestBindAnnotatesSuperseded(t *testing.T) {
	g := New(testCorpus())
	draft := draftWith(domain.Citation{Bylaw: "OBC", Section: "9.5.3.1"})

	rejections, err := g.Bind(context.Background(), draft)
	require.NoError(t, err)
	assert.Empty(t, rejections)

	c := draft.Citations[0]
	assert.True(t, c.Bound)
	assert.Equal(t, "OBC/9.5.3.2", c.SupersededBy)
	assert.False(t, draft.Flagged)
}

func TestBindSkipsAlreadyBound(t *testing.T) {
	calls := 0
	resolver := knowledge.ResolverFunc(func(ctx context.Context, key string) (knowledge.Resolution, error) {
		calls++
		return knowledge.Resolution{Exists: true, CanonicalKey: key}, nil
	})
	g := New(resolver)

	draft := draftWith(domain.Citation{Bylaw: "569-2013", Section: "150.8.60.1", Bound: true, CanonicalKey: "569-2013/150.8.60.1"})
	_, err := g.Bind(context.Background(), draft)
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestBindPropagatesResolverError(t *testing.T) {
	resolver := knowledge.ResolverFunc(func(ctx context.Context, key string) (knowledge.Resolution, error) {
		return knowledge.Resolution{}, errors.New("corpus unreachable")
	})
	g := New(resolver)

	draft := draftWith(domain.Citation{Bylaw: "569-2013", Section: "150.8.60.1"})
	_, err := g.Bind(context.Background(), draft)
	assert.ErrorContains(t, err, "corpus unreachable")
	assert.False(t, draft.Citations[0].Bound)
}

func TestFeedback(t *testing.T) {
	fb := Feedback([]Rejection{{
		Citation: domain.Citation{Bylaw: "569-2013", Section: "150.8.60.99"},
		Reason:   "citation \"569-2013/150.8.60.99\" does not resolve to a corpus entry",
	}})
	require.Len(t, fb, 1)
	assert.Contains(t, fb[0], "569-2013/150.8.60.99")
	assert.Contains(t, fb[0], "flag the claim")
}
