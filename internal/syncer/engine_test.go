package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/corvid0/almanac/internal/index"
	"github.com/corvid0/almanac/internal/source"
	"github.com/corvid0/almanac/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu       sync.Mutex
	items    map[string]*source.Item
	fetchErr map[string]error
	gone     map[string]bool // Fetch returns ErrNotFound but item stays listed
	block    chan struct{}   // when set, Fetch waits for it to close

	fetchCalls int
}

func newFakeSource(items ...*source.Item) *fakeSource {
	f := &fakeSource{
		items:    make(map[string]*source.Item),
		fetchErr: make(map[string]error),
		gone:     make(map[string]bool),
	}
	for _, it := range items {
		f.items[it.ID] = it
	}
	return f
}

func (f *fakeSource) ChangedSince(_ context.Context, since time.Time) ([]source.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.Summary
	for _, it := range f.items {
		if !it.Revision.Before(since) {
			out = append(out, source.Summary{ID: it.ID, Revision: it.Revision})
		}
	}
	return out, nil
}

func (f *fakeSource) AllItems(context.Context) ([]source.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.Summary
	for _, it := range f.items {
		out = append(out, source.Summary{ID: it.ID, Revision: it.Revision})
	}
	return out, nil
}

func (f *fakeSource) Fetch(ctx context.Context, id string) (*source.Item, error) {
	f.mu.Lock()
	f.fetchCalls++
	err := f.fetchErr[id]
	gone := f.gone[id]
	it := f.items[id]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if gone || it == nil {
		return nil, source.ErrNotFound
	}
	return it, nil
}

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (s *stubEmbedder) Vector(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return testutil.Vector(text), nil
}

func (s *stubEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func rev(day int) time.Time {
	return time.Date(2026, 4, day, 0, 0, 0, 0, time.UTC)
}

func item(id string, revision time.Time, text string) *source.Item {
	return &source.Item{
		ID:       id,
		Revision: revision,
		Title:    "Page " + id,
		URL:      "https://notes.example.com/" + id,
		Blocks:   []source.Block{{Type: source.BlockText, Text: text}},
	}
}

func newEngine(src Source, idx index.Index, records RecordStore) (*Engine, *stubEmbedder) {
	emb := &stubEmbedder{}
	return New(src, emb, idx, records, DefaultConfig(), nil), emb
}

// checkRecordInvariant asserts that every record's chunk id set matches
// what the index actually holds for that item.
func checkRecordInvariant(t *testing.T, records RecordStore, idx *index.Memory) {
	t.Helper()
	all, err := records.All(context.Background())
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	for itemID, rec := range all {
		got, err := idx.IDsForItem(context.Background(), itemID)
		if err != nil {
			t.Fatalf("IDsForItem(%s) error: %v", itemID, err)
		}
		want := append([]string(nil), rec.ChunkIDs...)
		sort.Strings(want)
		if len(got) != len(want) {
			t.Errorf("item %s: index has %d chunks, record says %d", itemID, len(got), len(want))
			continue
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("item %s: index chunk %q, record chunk %q", itemID, got[i], want[i])
			}
		}
	}
}

func TestRunOnce_FirstSyncIndexesEverything(t *testing.T) {
	src := newFakeSource(
		item("a", rev(1), "Alpha notes."),
		item("b", rev(2), "Beta notes."),
	)
	idx := index.NewMemory()
	eng, _ := newEngine(src, idx, NewMemoryRecords())

	res, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if res.Indexed != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 indexed", res)
	}
	if idx.Len() != 2 {
		t.Errorf("index entries = %d, want 2", idx.Len())
	}
}

func TestRunOnce_UnchangedItemsSkipped(t *testing.T) {
	src := newFakeSource(item("a", rev(1), "Alpha notes."))
	idx := index.NewMemory()
	eng, emb := newEngine(src, idx, NewMemoryRecords())

	if _, err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce() error: %v", err)
	}
	before := emb.callCount()

	res, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error: %v", err)
	}
	if res.Unchanged != 1 || res.Indexed != 0 {
		t.Errorf("result = %+v, want 1 unchanged", res)
	}
	if emb.callCount() != before {
		t.Errorf("embedder called %d more times, want 0", emb.callCount()-before)
	}
}

func TestRunOnce_Idempotent(t *testing.T) {
	src := newFakeSource(item("a", rev(1), "Alpha notes."))
	idx := index.NewMemory()
	eng, _ := newEngine(src, idx, NewMemoryRecords())

	for i := 0; i < 3; i++ {
		if _, err := eng.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce() %d error: %v", i, err)
		}
	}
	if idx.Len() != 1 {
		t.Errorf("index entries = %d, want 1", idx.Len())
	}
}

func TestRunOnce_ModifiedItemReindexedAndStaleChunksRemoved(t *testing.T) {
	long := ""
	for i := 0; i < 120; i++ {
		long += fmt.Sprintf("Sentence number %d fills out the page nicely. ", i)
	}
	src := newFakeSource(item("a", rev(1), long))
	idx := index.NewMemory()
	records := NewMemoryRecords()
	eng, _ := newEngine(src, idx, records)

	if _, err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce() error: %v", err)
	}
	wide := idx.Len()
	if wide < 2 {
		t.Fatalf("expected multiple chunks, got %d", wide)
	}

	src.mu.Lock()
	src.items["a"] = item("a", rev(2), "Now much shorter.")
	src.mu.Unlock()

	res, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error: %v", err)
	}
	if res.Indexed != 1 {
		t.Errorf("result = %+v, want 1 indexed", res)
	}
	if idx.Len() != 1 {
		t.Errorf("index entries = %d after shrink, want 1", idx.Len())
	}

	rec, err := records.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !rec.Revision.Equal(rev(2)) || len(rec.ChunkIDs) != 1 {
		t.Errorf("record = %+v, want revision rev(2) and one chunk", rec)
	}
	checkRecordInvariant(t, records, idx)
}

func TestRunOnce_PerItemFailureHoldsMarkBack(t *testing.T) {
	src := newFakeSource(
		item("a", rev(1), "Alpha notes."),
		item("b", rev(2), "Beta notes."),
		item("c", rev(3), "Gamma notes."),
	)
	src.fetchErr["b"] = &source.TransientError{Err: errors.New("flaky backend")}

	idx := index.NewMemory()
	records := NewMemoryRecords()
	eng, _ := newEngine(src, idx, records)

	res, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if res.Indexed != 2 || res.Failed != 1 {
		t.Errorf("result = %+v, want 2 indexed 1 failed", res)
	}
	checkRecordInvariant(t, records, idx)

	mark, _ := records.HighWaterMark(context.Background())
	if !mark.Equal(rev(2)) {
		t.Errorf("mark = %v, want %v (earliest failed revision)", mark, rev(2))
	}

	// Next cycle re-lists from the failed revision and recovers it.
	src.mu.Lock()
	delete(src.fetchErr, "b")
	src.mu.Unlock()

	res, err = eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error: %v", err)
	}
	if res.Indexed != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want 1 indexed (recovered item)", res)
	}
	mark, _ = records.HighWaterMark(context.Background())
	if !mark.Equal(rev(3)) {
		t.Errorf("mark = %v, want %v", mark, rev(3))
	}
}

func TestRunOnce_FetchNotFoundDeletes(t *testing.T) {
	src := newFakeSource(item("a", rev(1), "Alpha notes."))
	idx := index.NewMemory()
	records := NewMemoryRecords()
	eng, _ := newEngine(src, idx, records)

	if _, err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce() error: %v", err)
	}

	// Item still listed with a newer revision, but fetch says gone.
	src.mu.Lock()
	src.items["a"].Revision = rev(2)
	src.gone["a"] = true
	src.mu.Unlock()

	res, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce() error: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("result = %+v, want 1 deleted", res)
	}
	if idx.Len() != 0 {
		t.Errorf("index entries = %d, want 0", idx.Len())
	}
	if _, err := records.Get(context.Background(), "a"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("record error = %v, want ErrNoRecord", err)
	}
}

func TestReconcile_RemovesAbsentItems(t *testing.T) {
	src := newFakeSource(
		item("a", rev(1), "Alpha notes."),
		item("b", rev(2), "Beta notes."),
	)
	idx := index.NewMemory()
	records := NewMemoryRecords()
	eng, _ := newEngine(src, idx, records)

	if _, err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	src.mu.Lock()
	delete(src.items, "b")
	src.mu.Unlock()

	res, err := eng.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("result = %+v, want 1 deleted", res)
	}
	if idx.Len() != 1 {
		t.Errorf("index entries = %d, want 1", idx.Len())
	}
	if _, err := records.Get(context.Background(), "b"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("record error = %v, want ErrNoRecord", err)
	}
}

func TestRunOnce_OverlapGuard(t *testing.T) {
	src := newFakeSource(item("a", rev(1), "Alpha notes."))
	src.block = make(chan struct{})

	eng, _ := newEngine(src, index.NewMemory(), NewMemoryRecords())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := eng.RunOnce(context.Background())
		done <- err
	}()
	<-started

	// Wait for the first cycle to take the guard.
	deadline := time.After(2 * time.Second)
	for !eng.running.Load() {
		select {
		case <-deadline:
			t.Fatal("first cycle never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := eng.RunOnce(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("overlapping RunOnce() error = %v, want ErrSyncInProgress", err)
	}

	close(src.block)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce() error: %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := newFakeSource(item("a", rev(1), "Alpha notes."))
	eng, _ := newEngine(src, index.NewMemory(), NewMemoryRecords())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
