// Package index stores embedded entries and serves semantic and keyword
// search over them. Two partitions share one store: document chunks from
// the content source and durable facts extracted from conversations.
package index

import (
	"context"
	"errors"
	"time"
)

// Partitions. Every entry belongs to exactly one.
const (
	PartitionDocuments = "documents"
	PartitionFacts     = "facts"
)

// ErrNotFound is returned when a lookup targets an entry that does not
// exist.
var ErrNotFound = errors.New("index: entry not found")

// Entry is one stored unit: a document chunk or a fact, with its vector.
type Entry struct {
	ID        string
	Partition string
	ItemID    string // owning source item; empty for facts
	Content   string
	Embedding []float32
	Metadata  map[string]any
	CreatedAt time.Time
}

// Hit is an entry with its relevance to a query. Score semantics depend on
// the search mode: cosine similarity in [0,1] for vector search, ts_rank_cd
// for keyword search.
type Hit struct {
	Entry Entry
	Score float64
}

// Index is the storage contract the sync engine and retrieval layer
// consume. Implementations must make Upsert idempotent on ID.
type Index interface {
	// Upsert inserts or replaces entries by ID.
	Upsert(ctx context.Context, entries []Entry) error

	// Delete removes entries by ID. Missing ids are not an error.
	Delete(ctx context.Context, ids []string) error

	// Query returns the nearest entries to the vector by cosine
	// similarity, best first.
	Query(ctx context.Context, vector []float32, opts ...SearchOption) ([]Hit, error)

	// KeywordQuery returns entries matching the text by full-text rank,
	// best first.
	KeywordQuery(ctx context.Context, text string, opts ...SearchOption) ([]Hit, error)

	// IDsForItem returns the ids of all entries owned by a source item.
	IDsForItem(ctx context.Context, itemID string) ([]string, error)
}

// DefaultTopK bounds result sets when no option overrides it.
const DefaultTopK = 10

type searchOptions struct {
	topK      int
	partition string
	tag       string
	since     time.Time
	until     time.Time
}

// SearchOption adjusts a Query or KeywordQuery call.
type SearchOption func(*searchOptions)

// WithTopK caps the number of hits returned.
func WithTopK(k int) SearchOption {
	return func(o *searchOptions) {
		if k > 0 {
			o.topK = k
		}
	}
}

// WithPartition restricts results to one partition.
func WithPartition(p string) SearchOption {
	return func(o *searchOptions) { o.partition = p }
}

// WithTag restricts results to entries tagged with t.
func WithTag(t string) SearchOption {
	return func(o *searchOptions) { o.tag = t }
}

// WithSince restricts results to entries created at or after t.
func WithSince(t time.Time) SearchOption {
	return func(o *searchOptions) { o.since = t }
}

// WithUntil restricts results to entries created before t.
func WithUntil(t time.Time) SearchOption {
	return func(o *searchOptions) { o.until = t }
}

func applyOptions(opts []SearchOption) searchOptions {
	o := searchOptions{topK: DefaultTopK}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
