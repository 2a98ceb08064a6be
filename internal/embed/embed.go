// Package embed wraps the opaque embedding model behind a small,
// timeout-bounded call that returns raw vectors.
package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"google.golang.org/genai"

	"github.com/corvid0/almanac/internal/log"
)

// Dimension is the vector width stored in the index. Embedding models
// that emit wider vectors are truncated server-side via
// OutputDimensionality; the pgvector schema depends on this value.
const Dimension int32 = 768

// Timeout bounds a single embedding call. Exceeding it is a per-item
// failure, never a process-wide abort.
const Timeout = 15 * time.Second

// Error marks a failure of the embedding dependency so the sync engine
// can classify it separately from fetch and index failures.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("embedding failed: %v", e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Embedder adapts a genkit ai.Embedder to the plain text -> vector shape
// the rest of the system consumes.
//
// Embedder is safe for concurrent use.
type Embedder struct {
	embedder ai.Embedder
	logger   log.Logger
}

// New wraps e. A nil logger falls back to a discard logger.
func New(e ai.Embedder, logger log.Logger) *Embedder {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Embedder{embedder: e, logger: logger}
}

// Vector embeds text and returns a Dimension-wide vector.
func (e *Embedder) Vector(ctx context.Context, text string) ([]float32, error) {
	dim := Dimension

	embedCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	resp, err := e.embedder.Embed(embedCtx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, &Error{Err: err}
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, &Error{Err: fmt.Errorf("empty embedding response")}
	}

	vec := resp.Embeddings[0].Embedding
	if len(vec) != int(Dimension) {
		return nil, &Error{Err: fmt.Errorf("embedding dimension %d, want %d", len(vec), Dimension)}
	}
	return vec, nil
}
