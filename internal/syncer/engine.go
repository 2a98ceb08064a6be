// Package syncer mirrors the content source into the index
// incrementally. A cycle lists changed items since the high-water mark,
// classifies each against its sync record, and applies the per-item
// pipeline: fetch, chunk, embed, upsert, clean stale chunks, record.
//
// One item failing never aborts the cycle. The high-water mark is held
// back to the earliest failed item's revision, and listings are
// revision-inclusive, so failed items are re-listed next cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/corvid0/almanac/internal/chunk"
	"github.com/corvid0/almanac/internal/index"
	"github.com/corvid0/almanac/internal/log"
	"github.com/corvid0/almanac/internal/source"
)

// ErrSyncInProgress is returned when a cycle is requested while another
// cycle is still running.
var ErrSyncInProgress = errors.New("syncer: sync already in progress")

// Source is the listing and fetch surface the engine consumes. Fetcher
// satisfies it.
type Source interface {
	ChangedSince(ctx context.Context, since time.Time) ([]source.Summary, error)
	AllItems(ctx context.Context) ([]source.Summary, error)
	Fetch(ctx context.Context, id string) (*source.Item, error)
}

// Embedder turns chunk text into index vectors.
type Embedder interface {
	Vector(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the engine loop.
type Config struct {
	// Interval between incremental cycles.
	Interval time.Duration

	// ReconcileInterval between full listings that detect deletions.
	ReconcileInterval time.Duration

	// TokenBudget per chunk; zero means chunk.DefaultTokenBudget.
	TokenBudget int
}

// DefaultConfig returns production intervals.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		ReconcileInterval: 24 * time.Hour,
		TokenBudget:       chunk.DefaultTokenBudget,
	}
}

// Result summarizes one sync cycle.
type Result struct {
	Indexed   int
	Unchanged int
	Deleted   int
	Failed    int
	Duration  time.Duration
}

// Engine owns the sync state machine. All mutable state lives behind the
// running guard; callers share one Engine across goroutines.
type Engine struct {
	src      Source
	embedder Embedder
	idx      index.Index
	records  RecordStore
	cfg      Config
	logger   log.Logger

	running atomic.Bool
}

// New wires an engine. A nil logger falls back to a discard logger.
func New(src Source, embedder Embedder, idx index.Index, records RecordStore, cfg Config, logger log.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = chunk.DefaultTokenBudget
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{src: src, embedder: embedder, idx: idx, records: records, cfg: cfg, logger: logger}
}

// RunOnce executes one incremental cycle. Returns ErrSyncInProgress if a
// cycle is already running.
func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)
	return e.sync(ctx, false)
}

// Reconcile executes one full cycle: every item is listed, and records
// for items the source no longer returns are removed along with their
// chunks. Returns ErrSyncInProgress if a cycle is already running.
func (e *Engine) Reconcile(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)
	return e.sync(ctx, true)
}

// Run loops until ctx is canceled: an immediate incremental cycle, then
// incremental cycles on Interval and full reconciles on
// ReconcileInterval.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	reconcile := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcile.Stop()

	e.cycle(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconcile.C:
			e.cycle(ctx, true)
		case <-ticker.C:
			e.cycle(ctx, false)
		}
	}
}

func (e *Engine) cycle(ctx context.Context, full bool) {
	run := e.RunOnce
	if full {
		run = e.Reconcile
	}
	res, err := run(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		e.logger.Info("sync cycle skipped, previous cycle still running")
	case err != nil:
		e.logger.Error("sync cycle failed", "error", err, "full", full)
	default:
		e.logger.Info("sync cycle complete",
			"indexed", res.Indexed,
			"unchanged", res.Unchanged,
			"deleted", res.Deleted,
			"failed", res.Failed,
			"duration", res.Duration,
			"full", full)
	}
}

func (e *Engine) sync(ctx context.Context, full bool) (*Result, error) {
	start := time.Now()

	mark, err := e.records.HighWaterMark(ctx)
	if err != nil {
		return nil, fmt.Errorf("load high-water mark: %w", err)
	}

	var summaries []source.Summary
	if full || mark.IsZero() {
		summaries, err = e.src.AllItems(ctx)
	} else {
		summaries, err = e.src.ChangedSince(ctx, mark)
	}
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	res := &Result{}
	var maxRev, earliestFail time.Time
	seen := make(map[string]struct{}, len(summaries))

	for _, sum := range summaries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		seen[sum.ID] = struct{}{}

		prev, err := e.records.Get(ctx, sum.ID)
		if err != nil && !errors.Is(err, ErrNoRecord) {
			res.Failed++
			earliestFail = minTime(earliestFail, sum.Revision)
			e.logger.Error("load sync record failed", "item", sum.ID, "error", err)
			continue
		}

		if prev != nil && !prev.Revision.Before(sum.Revision) {
			res.Unchanged++
			maxRev = maxTime(maxRev, sum.Revision)
			continue
		}

		deleted, err := e.applyItem(ctx, sum.ID, prev)
		if err != nil {
			res.Failed++
			earliestFail = minTime(earliestFail, sum.Revision)
			e.logger.Error("index item failed", "item", sum.ID, "error", err)
			continue
		}
		if deleted {
			res.Deleted++
		} else {
			res.Indexed++
		}
		maxRev = maxTime(maxRev, sum.Revision)
	}

	if full {
		deleted, err := e.removeAbsent(ctx, seen)
		res.Deleted += deleted
		if err != nil {
			e.logger.Error("reconcile deletions incomplete", "error", err)
		}
	}

	newMark := maxRev
	if !earliestFail.IsZero() && earliestFail.Before(newMark) {
		newMark = earliestFail
	}
	if newMark.After(mark) {
		if err := e.records.SetHighWaterMark(ctx, newMark); err != nil {
			return res, fmt.Errorf("advance high-water mark: %w", err)
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

// applyItem runs the per-item pipeline. A fetch that reports the item
// gone is treated as a deletion, not a failure.
func (e *Engine) applyItem(ctx context.Context, itemID string, prev *Record) (deleted bool, err error) {
	item, err := e.src.Fetch(ctx, itemID)
	if errors.Is(err, source.ErrNotFound) {
		return true, e.removeItem(ctx, itemID, prev)
	}
	if err != nil {
		return false, fmt.Errorf("fetch: %w", err)
	}

	chunks := chunk.Split(item, e.cfg.TokenBudget)
	entries := make([]index.Entry, 0, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		vec, err := e.embedder.Vector(ctx, c.Text)
		if err != nil {
			return false, fmt.Errorf("embed chunk %d: %w", c.Seq, err)
		}
		entries = append(entries, index.Entry{
			ID:        c.ID,
			Partition: index.PartitionDocuments,
			ItemID:    c.ItemID,
			Content:   c.Text,
			Embedding: vec,
			Metadata: map[string]any{
				"title": c.Title,
				"url":   c.URL,
				"tags":  c.Tags,
				"seq":   c.Seq,
			},
		})
		ids = append(ids, c.ID)
	}

	if err := e.idx.Upsert(ctx, entries); err != nil {
		return false, fmt.Errorf("upsert: %w", err)
	}

	// An item that shrank leaves chunks beyond the new count; ids are
	// deterministic, so anything not re-upserted is stale.
	if prev != nil {
		if stale := diff(prev.ChunkIDs, ids); len(stale) > 0 {
			if err := e.idx.Delete(ctx, stale); err != nil {
				return false, fmt.Errorf("delete stale chunks: %w", err)
			}
		}
	}

	rec := Record{ItemID: item.ID, Revision: item.Revision, ChunkIDs: ids}
	if err := e.records.Put(ctx, rec); err != nil {
		return false, fmt.Errorf("write record: %w", err)
	}
	return false, nil
}

func (e *Engine) removeItem(ctx context.Context, itemID string, prev *Record) error {
	var ids []string
	if prev != nil {
		ids = prev.ChunkIDs
	} else {
		var err error
		ids, err = e.idx.IDsForItem(ctx, itemID)
		if err != nil {
			return fmt.Errorf("list chunks for deletion: %w", err)
		}
	}
	if err := e.idx.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := e.records.Delete(ctx, itemID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (e *Engine) removeAbsent(ctx context.Context, seen map[string]struct{}) (int, error) {
	all, err := e.records.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}
	deleted := 0
	for id, rec := range all {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := e.removeItem(ctx, id, &rec); err != nil {
			return deleted, fmt.Errorf("remove %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func diff(old, keep []string) []string {
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	var stale []string
	for _, id := range old {
		if _, ok := kept[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}

func minTime(cur, t time.Time) time.Time {
	if cur.IsZero() || t.Before(cur) {
		return t
	}
	return cur
}

func maxTime(cur, t time.Time) time.Time {
	if t.After(cur) {
		return t
	}
	return cur
}
