package domain

// Citation is a candidate regulatory reference attached to drafted output.
// It is unbound until the citation guardrail confirms it resolves to a live
// corpus entry; binding freezes the canonical key, parent-section key, and
// effective date reported by the knowledge resolver.
type Citation struct {
	Bylaw   string `json:"bylaw"`
	Section string `json:"section"`
	Version string `json:"version"`

	Bound         bool   `json:"bound"`
	CanonicalKey  string `json:"canonical_key,omitempty"`
	ParentKey     string `json:"parent_key,omitempty"`
	EffectiveDate string `json:"effective_date,omitempty"`

	// SupersededBy is set when the corpus entry is still accepted but has a
	// superseding reference the reader should be pointed at.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Key returns the lookup key the knowledge resolver expects,
// e.g. "569-2013/150.8.60.1".
func (c Citation) Key() string {
	if c.Bylaw == "" {
		return c.Section
	}
	return c.Bylaw + "/" + c.Section
}
