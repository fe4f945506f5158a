// Package knowledge defines the boundary to the regulatory corpus. Given a
// candidate citation key the resolver reports whether the key exists, its
// canonical form, the parent-section key used for hierarchical rule
// composition, and its effective or superseded status.
package knowledge

import "context"

// Resolution is the corpus's answer for one citation key.
type Resolution struct {
	Exists        bool   `json:"exists"`
	CanonicalKey  string `json:"canonical_key,omitempty"`
	ParentKey     string `json:"parent_key,omitempty"`
	EffectiveDate string `json:"effective_date,omitempty"`
	SupersededBy  string `json:"superseded_by,omitempty"`
}

// Resolver looks up candidate citation keys against the corpus.
type Resolver interface {
	Resolve(ctx context.Context, key string) (Resolution, error)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(ctx context.Context, key string) (Resolution, error)

// Resolve calls f(ctx, key).
func (f ResolverFunc) Resolve(ctx context.Context, key string) (Resolution, error) {
	return f(ctx, key)
}
