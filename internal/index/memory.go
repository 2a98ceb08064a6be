package index

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Index for tests and ephemeral runs. Keyword
// ranking is a token-overlap count, a rough stand-in for ts_rank_cd.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), now: time.Now}
}

func (m *Memory) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if prev, ok := m.entries[e.ID]; ok && e.CreatedAt.IsZero() {
			e.CreatedAt = prev.CreatedAt
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.now()
		}
		m.entries[e.ID] = e
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

func (m *Memory) Query(_ context.Context, vector []float32, opts ...SearchOption) ([]Hit, error) {
	o := applyOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, e := range m.entries {
		if !matches(e, o) {
			continue
		}
		hits = append(hits, Hit{Entry: e, Score: cosine(vector, e.Embedding)})
	}
	return top(hits, o.topK), nil
}

func (m *Memory) KeywordQuery(_ context.Context, text string, opts ...SearchOption) ([]Hit, error) {
	o := applyOptions(opts)
	terms := tokens(text)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, e := range m.entries {
		if !matches(e, o) {
			continue
		}
		score := overlap(terms, tokens(e.Content))
		if score == 0 {
			continue
		}
		hits = append(hits, Hit{Entry: e, Score: score})
	}
	return top(hits, o.topK), nil
}

func (m *Memory) IDsForItem(_ context.Context, itemID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, e := range m.entries {
		if e.ItemID == itemID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Get returns a stored entry by id.
func (m *Memory) Get(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func matches(e Entry, o searchOptions) bool {
	if o.partition != "" && e.Partition != o.partition {
		return false
	}
	if o.tag != "" && !hasTag(e.Metadata, o.tag) {
		return false
	}
	if !o.since.IsZero() && e.CreatedAt.Before(o.since) {
		return false
	}
	if !o.until.IsZero() && !e.CreatedAt.Before(o.until) {
		return false
	}
	return true
}

func hasTag(meta map[string]any, tag string) bool {
	raw, ok := meta["tags"]
	if !ok {
		return false
	}
	switch tags := raw.(type) {
	case []string:
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok && s == tag {
				return true
			}
		}
	}
	return false
}

func top(hits []Hit, k int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]")
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) float64 {
	var n float64
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}
