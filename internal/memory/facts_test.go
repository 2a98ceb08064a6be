package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corvid0/almanac/internal/index"
	"github.com/corvid0/almanac/internal/testutil"
)

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Vector(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return testutil.Vector(text), nil
}

func TestFactStore_SaveAndRecall(t *testing.T) {
	idx := index.NewMemory()
	store := NewFactStore(idx, &stubEmbedder{}, nil)

	fact, err := store.Save(context.Background(), "The user prefers science fiction novels.", FactPreference, "I mostly read sci-fi")
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if fact.ID == "" {
		t.Error("fact id is empty")
	}
	if _, err := store.Save(context.Background(), "The user lives in Lisbon.", FactIdentity, ""); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	facts, err := store.Recall(context.Background(), "what novels does the user like", 5)
	if err != nil {
		t.Fatalf("Recall() error: %v", err)
	}
	if len(facts) == 0 {
		t.Fatal("Recall() returned no facts")
	}
	if facts[0].Content != "The user prefers science fiction novels." {
		t.Errorf("top fact = %q, want the novels preference", facts[0].Content)
	}
	if facts[0].Type != FactPreference {
		t.Errorf("top fact type = %q, want %q", facts[0].Type, FactPreference)
	}
	if facts[0].SourceTurn != "I mostly read sci-fi" {
		t.Errorf("source turn = %q", facts[0].SourceTurn)
	}
}

func TestFactStore_SaveNormalizesUnknownType(t *testing.T) {
	store := NewFactStore(index.NewMemory(), &stubEmbedder{}, nil)

	fact, err := store.Save(context.Background(), "Something uncategorized.", "mood", "")
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if fact.Type != FactOther {
		t.Errorf("type = %q, want %q", fact.Type, FactOther)
	}
}

func TestFactStore_SaveRejectsEmpty(t *testing.T) {
	store := NewFactStore(index.NewMemory(), &stubEmbedder{}, nil)
	if _, err := store.Save(context.Background(), "", FactPreference, ""); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestFactStore_EmbedFailurePropagates(t *testing.T) {
	wantErr := errors.New("model down")
	store := NewFactStore(index.NewMemory(), &stubEmbedder{err: wantErr}, nil)

	if _, err := store.Save(context.Background(), "anything", FactOther, ""); !errors.Is(err, wantErr) {
		t.Errorf("Save() error = %v, want wrapped %v", err, wantErr)
	}
	if _, err := store.Recall(context.Background(), "anything", 3); !errors.Is(err, wantErr) {
		t.Errorf("Recall() error = %v, want wrapped %v", err, wantErr)
	}
}

func TestFactStore_RecallPrefersNewerOnTie(t *testing.T) {
	idx := index.NewMemory()
	store := NewFactStore(idx, &stubEmbedder{}, nil)

	// Identical content embeds identically, so scores tie exactly.
	old, err := store.Save(context.Background(), "The user prefers tea over coffee.", FactPreference, "")
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	newer, err := store.Save(context.Background(), "The user prefers tea over coffee.", FactPreference, "")
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Force distinct creation times.
	bump(t, idx, old.ID, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bump(t, idx, newer.ID, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	facts, err := store.Recall(context.Background(), "tea or coffee preference", 2)
	if err != nil {
		t.Fatalf("Recall() error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts = %d, want 2", len(facts))
	}
	if facts[0].ID != newer.ID {
		t.Errorf("top fact = %s, want the newer one %s", facts[0].ID, newer.ID)
	}
}

func bump(t *testing.T, idx *index.Memory, id string, at time.Time) {
	t.Helper()
	e, ok := idx.Get(id)
	if !ok {
		t.Fatalf("entry %s not found", id)
	}
	e.CreatedAt = at
	if err := idx.Upsert(context.Background(), []index.Entry{e}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
}
