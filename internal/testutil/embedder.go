// Package testutil provides shared test infrastructure: a deterministic
// mock embedder and a disposable pgvector database.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"

	"github.com/corvid0/almanac/internal/embed"
)

// MockEmbedder implements ai.Embedder with deterministic bag-of-words
// vectors: each lowercased token is hashed into a bucket, so texts that
// share words produce vectors with positive cosine similarity. That makes
// semantic-search assertions possible without a real model.
type MockEmbedder struct {
	Err       error         // returned instead of embedding when set
	Delay     time.Duration // simulated latency, honors ctx cancellation
	CallCount int
	LastInput string
}

func (m *MockEmbedder) Name() string { return "mock-embedder" }

func (m *MockEmbedder) Register(api.Registry) {}

func (m *MockEmbedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.CallCount++
	if len(req.Input) > 0 && len(req.Input[0].Content) > 0 {
		m.LastInput = req.Input[0].Content[0].Text
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}

	return &ai.EmbedResponse{
		Embeddings: []*ai.Embedding{
			{Embedding: Vector(m.LastInput)},
		},
	}, nil
}

// Vector is the embedding function behind MockEmbedder, exported so tests
// can compute expected vectors directly.
func Vector(text string) []float32 {
	vec := make([]float32, embed.Dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(embed.Dimension)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
