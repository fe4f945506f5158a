package testutil

import (
	"github.com/vk/permitgrid/internal/domain"
	"github.com/vk/permitgrid/internal/knowledge"
)

// SeedCorpus returns a corpus preloaded with the zoning and building code
// entries the test pipelines cite.
func SeedCorpus() *knowledge.Corpus {
	c := knowledge.NewCorpus()
	for _, e := range []knowledge.Entry{
		{Key: "569-2013/150.8", EffectiveDate: "2018-08-02"},
		{Key: "569-2013/150.8.60", ParentKey: "569-2013/150.8", EffectiveDate: "2018-08-02"},
		{Key: "569-2013/150.10", EffectiveDate: "2019-06-27"},
		{Key: "569-2013/150.10.40", ParentKey: "569-2013/150.10", EffectiveDate: "2019-06-27"},
		{Key: "OBC-2012/9.10.14", EffectiveDate: "2014-01-01", SupersededBy: "OBC-2024/9.10.14"},
		{Key: "OBC-2024/9.10.14", EffectiveDate: "2024-01-01"},
	} {
		c.Add(e)
	}
	return c
}

// Intake returns a minimal valid laneway suite intake.
func Intake() domain.Intake {
	return domain.Intake{
		PropertyAddress: "12 Croft St, Toronto",
		SuiteType:       domain.SuiteLaneway,
		NoticeText:      "1. Proposed angular plane exceeds permitted envelope. 2. Fire access route unclear.",
	}
}

// BoundableCitation returns a citation that resolves against SeedCorpus.
func BoundableCitation() domain.Citation {
	return domain.Citation{Bylaw: "569-2013", Section: "150.8.60", Version: "2018"}
}

// UnknownCitation returns a citation no corpus entry matches.
func UnknownCitation() domain.Citation {
	return domain.Citation{Bylaw: "569-2013", Section: "150.99", Version: "2018"}
}
