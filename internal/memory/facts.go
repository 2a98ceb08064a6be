package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corvid0/almanac/internal/index"
	"github.com/corvid0/almanac/internal/log"
)

// Fact kinds. Extraction classifies each candidate into one of these;
// anything unrecognized lands in FactOther.
const (
	FactPreference = "preference"
	FactIdentity   = "identity"
	FactGoal       = "goal"
	FactOther      = "other"
)

// Fact is one durable statement about the user, extracted from
// conversation. Facts are append-only; a contradicting fact is a newer
// fact, and recall prefers recent ones on ties.
type Fact struct {
	ID        string
	Content   string
	Type      string
	CreatedAt time.Time

	// SourceTurn is the user utterance the fact was extracted from.
	// Audit only; recall never matches against it.
	SourceTurn string
}

// Embedder turns fact text into index vectors.
type Embedder interface {
	Vector(ctx context.Context, text string) ([]float32, error)
}

// FactStore persists facts in the index's facts partition so they share
// storage and search machinery with document chunks.
type FactStore struct {
	idx      index.Index
	embedder Embedder
	logger   log.Logger
}

// NewFactStore wires a store. A nil logger falls back to a discard
// logger.
func NewFactStore(idx index.Index, embedder Embedder, logger log.Logger) *FactStore {
	if logger == nil {
		logger = log.NewNop()
	}
	return &FactStore{idx: idx, embedder: embedder, logger: logger}
}

// Save embeds and stores a new fact, returning it with its assigned id.
// sourceTurn is kept as audit metadata and may be empty.
func (s *FactStore) Save(ctx context.Context, content, factType, sourceTurn string) (*Fact, error) {
	if content == "" {
		return nil, fmt.Errorf("save fact: empty content")
	}
	switch factType {
	case FactPreference, FactIdentity, FactGoal:
	default:
		factType = FactOther
	}

	vec, err := s.embedder.Vector(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed fact: %w", err)
	}

	fact := &Fact{
		ID:         uuid.NewString(),
		Content:    content,
		Type:       factType,
		SourceTurn: sourceTurn,
	}
	err = s.idx.Upsert(ctx, []index.Entry{{
		ID:        fact.ID,
		Partition: index.PartitionFacts,
		Content:   content,
		Embedding: vec,
		Metadata:  map[string]any{"type": factType, "source_turn": sourceTurn},
	}})
	if err != nil {
		return nil, fmt.Errorf("store fact: %w", err)
	}

	s.logger.Debug("fact saved", "id", fact.ID, "type", factType)
	return fact, nil
}

// Recall returns the facts most relevant to the query, best first. Ties
// in similarity break toward newer facts so contradictions resolve to
// the latest statement.
func (s *FactStore) Recall(ctx context.Context, query string, topK int) ([]Fact, error) {
	vec, err := s.embedder.Vector(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed recall query: %w", err)
	}

	hits, err := s.idx.Query(ctx, vec,
		index.WithPartition(index.PartitionFacts),
		index.WithTopK(topK))
	if err != nil {
		return nil, fmt.Errorf("recall facts: %w", err)
	}

	facts := make([]Fact, 0, len(hits))
	for _, h := range hits {
		facts = append(facts, factFromEntry(h.Entry))
	}
	for i := 1; i < len(facts); i++ {
		j := i
		for j > 0 && sameScore(hits[j-1].Score, hits[j].Score) &&
			facts[j].CreatedAt.After(facts[j-1].CreatedAt) {
			facts[j-1], facts[j] = facts[j], facts[j-1]
			hits[j-1], hits[j] = hits[j], hits[j-1]
			j--
		}
	}
	return facts, nil
}

func factFromEntry(e index.Entry) Fact {
	f := Fact{
		ID:        e.ID,
		Content:   e.Content,
		Type:      FactOther,
		CreatedAt: e.CreatedAt,
	}
	if t, ok := e.Metadata["type"].(string); ok && t != "" {
		f.Type = t
	}
	if s, ok := e.Metadata["source_turn"].(string); ok {
		f.SourceTurn = s
	}
	return f
}

const scoreEpsilon = 1e-6

func sameScore(a, b float64) bool {
	d := a - b
	return d < scoreEpsilon && d > -scoreEpsilon
}
