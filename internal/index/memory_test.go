package index

import (
	"context"
	"testing"
	"time"
)

func vec(vals ...float32) []float32 { return vals }

func seed(t *testing.T, m *Memory, entries ...Entry) {
	t.Helper()
	if err := m.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
}

func TestMemory_UpsertIdempotent(t *testing.T) {
	m := NewMemory()
	e := Entry{ID: "a", Partition: PartitionDocuments, Content: "first", Embedding: vec(1, 0)}

	seed(t, m, e)
	e.Content = "second"
	seed(t, m, e)

	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	got, _ := m.Get("a")
	if got.Content != "second" {
		t.Errorf("content = %q, want %q", got.Content, "second")
	}
}

func TestMemory_QueryRanksBySimilarity(t *testing.T) {
	m := NewMemory()
	seed(t, m,
		Entry{ID: "near", Partition: PartitionDocuments, Embedding: vec(1, 0, 0)},
		Entry{ID: "mid", Partition: PartitionDocuments, Embedding: vec(1, 1, 0)},
		Entry{ID: "far", Partition: PartitionDocuments, Embedding: vec(0, 0, 1)},
	)

	hits, err := m.Query(context.Background(), vec(1, 0, 0))
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(hits))
	}
	if hits[0].Entry.ID != "near" || hits[1].Entry.ID != "mid" || hits[2].Entry.ID != "far" {
		t.Errorf("order = %s, %s, %s", hits[0].Entry.ID, hits[1].Entry.ID, hits[2].Entry.ID)
	}
	if hits[0].Score <= hits[1].Score || hits[1].Score <= hits[2].Score {
		t.Errorf("scores not descending: %v, %v, %v", hits[0].Score, hits[1].Score, hits[2].Score)
	}
}

func TestMemory_TopK(t *testing.T) {
	m := NewMemory()
	seed(t, m,
		Entry{ID: "a", Embedding: vec(1, 0)},
		Entry{ID: "b", Embedding: vec(1, 0)},
		Entry{ID: "c", Embedding: vec(1, 0)},
	)

	hits, err := m.Query(context.Background(), vec(1, 0), WithTopK(2))
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("hits = %d, want 2", len(hits))
	}
}

func TestMemory_PartitionFilter(t *testing.T) {
	m := NewMemory()
	seed(t, m,
		Entry{ID: "doc", Partition: PartitionDocuments, Embedding: vec(1, 0)},
		Entry{ID: "fact", Partition: PartitionFacts, Embedding: vec(1, 0)},
	)

	hits, err := m.Query(context.Background(), vec(1, 0), WithPartition(PartitionFacts))
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.ID != "fact" {
		t.Errorf("hits = %+v, want only fact", hits)
	}
}

func TestMemory_TagFilter(t *testing.T) {
	m := NewMemory()
	seed(t, m,
		Entry{ID: "tagged", Embedding: vec(1, 0), Metadata: map[string]any{"tags": []string{"reading"}}},
		Entry{ID: "other", Embedding: vec(1, 0), Metadata: map[string]any{"tags": []any{"cooking"}}},
		Entry{ID: "bare", Embedding: vec(1, 0)},
	)

	hits, err := m.Query(context.Background(), vec(1, 0), WithTag("reading"))
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.ID != "tagged" {
		t.Errorf("hits = %+v, want only tagged", hits)
	}
}

func TestMemory_TimeFilters(t *testing.T) {
	m := NewMemory()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	seed(t, m,
		Entry{ID: "old", Embedding: vec(1, 0), CreatedAt: old},
		Entry{ID: "recent", Embedding: vec(1, 0), CreatedAt: recent},
	)

	cut := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	hits, err := m.Query(context.Background(), vec(1, 0), WithSince(cut))
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.ID != "recent" {
		t.Errorf("WithSince hits = %+v, want only recent", hits)
	}

	hits, err = m.Query(context.Background(), vec(1, 0), WithUntil(cut))
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.ID != "old" {
		t.Errorf("WithUntil hits = %+v, want only old", hits)
	}
}

func TestMemory_KeywordQuery(t *testing.T) {
	m := NewMemory()
	seed(t, m,
		Entry{ID: "dune", Content: "I loved Dune. The spice must flow."},
		Entry{ID: "cooking", Content: "Slow-roasted tomatoes with garlic."},
	)

	hits, err := m.KeywordQuery(context.Background(), "dune spice")
	if err != nil {
		t.Fatalf("KeywordQuery() error: %v", err)
	}
	if len(hits) != 1 || hits[0].Entry.ID != "dune" {
		t.Errorf("hits = %+v, want only dune", hits)
	}
}

func TestMemory_KeywordNoMatchIsEmpty(t *testing.T) {
	m := NewMemory()
	seed(t, m, Entry{ID: "a", Content: "something else entirely"})

	hits, err := m.KeywordQuery(context.Background(), "quantum chromodynamics")
	if err != nil {
		t.Fatalf("KeywordQuery() error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %+v, want none", hits)
	}
}

func TestMemory_DeleteAndIDsForItem(t *testing.T) {
	m := NewMemory()
	seed(t, m,
		Entry{ID: "c1", ItemID: "p1"},
		Entry{ID: "c2", ItemID: "p1"},
		Entry{ID: "c3", ItemID: "p2"},
	)

	ids, err := m.IDsForItem(context.Background(), "p1")
	if err != nil {
		t.Fatalf("IDsForItem() error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("ids = %v, want [c1 c2]", ids)
	}

	if err := m.Delete(context.Background(), []string{"c1", "missing"}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ids, _ = m.IDsForItem(context.Background(), "p1")
	if len(ids) != 1 || ids[0] != "c2" {
		t.Errorf("ids after delete = %v, want [c2]", ids)
	}
}
