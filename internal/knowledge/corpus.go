package knowledge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry is one corpus record in a seed file.
type Entry struct {
	Key           string `yaml:"key"`
	ParentKey     string `yaml:"parent_key,omitempty"`
	EffectiveDate string `yaml:"effective_date,omitempty"`
	SupersededBy  string `yaml:"superseded_by,omitempty"`
}

// Corpus is an in-memory Resolver backed by a seed file. It serves offline
// runs and tests; production sessions talk to the corpus service via Client.
type Corpus struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCorpus returns an empty in-memory corpus.
func NewCorpus() *Corpus {
	return &Corpus{entries: make(map[string]Entry)}
}

// corpusFile is the YAML layout of a seed file.
type corpusFile struct {
	Entries []Entry `yaml:"entries"`
}

// LoadCorpusFile reads a YAML seed file into an in-memory corpus.
func LoadCorpusFile(path string) (*Corpus, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus seed %s: %w", path, err)
	}

	var file corpusFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to decode corpus seed %s: %w", path, err)
	}

	c := NewCorpus()
	for _, e := range file.Entries {
		if e.Key == "" {
			return nil, fmt.Errorf("corpus seed %s contains an entry without a key", path)
		}
		c.Add(e)
	}
	return c, nil
}

// Add inserts or replaces an entry.
func (c *Corpus) Add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[normalizeKey(e.Key)] = e
}

// Len returns the number of entries loaded.
func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Resolve implements Resolver.
func (c *Corpus) Resolve(_ context.Context, key string) (Resolution, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[normalizeKey(key)]
	if !ok {
		return Resolution{Exists: false}, nil
	}
	return Resolution{
		Exists:        true,
		CanonicalKey:  e.Key,
		ParentKey:     e.ParentKey,
		EffectiveDate: e.EffectiveDate,
		SupersededBy:  e.SupersededBy,
	}, nil
}

// normalizeKey makes lookups tolerant of stray whitespace in model output.
func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}
