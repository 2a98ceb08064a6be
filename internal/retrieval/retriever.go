// Package retrieval answers queries against the document partition by
// fusing semantic and keyword search with reciprocal rank fusion.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/corvid0/almanac/internal/index"
	"github.com/corvid0/almanac/internal/log"
)

// Embedder turns the query into an index vector.
type Embedder interface {
	Vector(ctx context.Context, text string) ([]float32, error)
}

// Citation points a passage back at its source item.
type Citation struct {
	Title  string
	URL    string
	ItemID string
}

// Passage is one retrieved chunk with its fused score and provenance.
type Passage struct {
	ID       string
	Content  string
	Score    float64
	Citation Citation
}

// Config tunes fusion.
type Config struct {
	// TopK passages returned per search.
	TopK int

	// CandidateK hits fetched from each modality before fusion.
	CandidateK int

	// RRFK is the reciprocal rank fusion constant.
	RRFK int

	// MinSimilarity drops vector hits below this cosine similarity
	// before fusion. Keyword hits already require a lexical match.
	MinSimilarity float64
}

// DefaultConfig returns the production fusion parameters.
func DefaultConfig() Config {
	return Config{TopK: 6, CandidateK: 20, RRFK: 60, MinSimilarity: 0.2}
}

// Retriever fuses the two search modalities over the documents
// partition.
type Retriever struct {
	idx      index.Index
	embedder Embedder
	cfg      Config
	logger   log.Logger
}

// New wires a retriever. Zero config fields take defaults; a nil logger
// falls back to a discard logger.
func New(idx index.Index, embedder Embedder, cfg Config, logger log.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.CandidateK <= 0 {
		cfg.CandidateK = def.CandidateK
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = def.RRFK
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{idx: idx, embedder: embedder, cfg: cfg, logger: logger}
}

// Search returns the best-fused passages for the query, best first. A
// query matching nothing returns an empty slice, not an error. Extra
// options (tag and time filters) pass through to both modalities.
func (r *Retriever) Search(ctx context.Context, query string, opts ...index.SearchOption) ([]Passage, error) {
	vec, err := r.embedder.Vector(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	searchOpts := append([]index.SearchOption{
		index.WithPartition(index.PartitionDocuments),
		index.WithTopK(r.cfg.CandidateK),
	}, opts...)

	var semantic, keyword []index.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semantic, err = r.idx.Query(gctx, vec, searchOpts...)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		keyword, err = r.idx.KeywordQuery(gctx, query, searchOpts...)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	semantic = aboveThreshold(semantic, r.cfg.MinSimilarity)
	fused := r.fuse(semantic, keyword)
	if len(fused) > r.cfg.TopK {
		fused = fused[:r.cfg.TopK]
	}
	return fused, nil
}

func aboveThreshold(hits []index.Hit, min float64) []index.Hit {
	if min <= 0 {
		return hits
	}
	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= min {
			kept = append(kept, h)
		}
	}
	return kept
}

// fuse combines both ranked lists with reciprocal rank fusion: each hit
// contributes 1/(k+rank) per list it appears in. A hit unique to one
// modality still surfaces, which is the point of running both.
func (r *Retriever) fuse(semantic, keyword []index.Hit) []Passage {
	type fusedHit struct {
		entry index.Entry
		score float64
	}
	byID := make(map[string]*fusedHit)

	accumulate := func(hits []index.Hit) {
		for rank, h := range hits {
			f, ok := byID[h.Entry.ID]
			if !ok {
				f = &fusedHit{entry: h.Entry}
				byID[h.Entry.ID] = f
			}
			f.score += 1 / float64(r.cfg.RRFK+rank+1)
		}
	}
	accumulate(semantic)
	accumulate(keyword)

	fused := make([]fusedHit, 0, len(byID))
	for _, f := range byID {
		fused = append(fused, *f)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		// Equal fusion scores break toward the fresher entry.
		return fused[i].entry.CreatedAt.After(fused[j].entry.CreatedAt)
	})

	passages := make([]Passage, 0, len(fused))
	for _, f := range fused {
		passages = append(passages, Passage{
			ID:       f.entry.ID,
			Content:  f.entry.Content,
			Score:    f.score,
			Citation: citation(f.entry),
		})
	}
	return passages
}

func citation(e index.Entry) Citation {
	c := Citation{ItemID: e.ItemID}
	if t, ok := e.Metadata["title"].(string); ok {
		c.Title = t
	}
	if u, ok := e.Metadata["url"].(string); ok {
		c.URL = u
	}
	return c
}
