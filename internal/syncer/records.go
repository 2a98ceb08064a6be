package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoRecord is returned when an item has never been indexed.
var ErrNoRecord = errors.New("syncer: no record for item")

// Record tracks what the index currently holds for one source item. The
// chunk id list makes stale-chunk cleanup exact when an item shrinks.
type Record struct {
	ItemID   string
	Revision time.Time
	ChunkIDs []string
}

// RecordStore persists sync records and the incremental high-water mark.
type RecordStore interface {
	Get(ctx context.Context, itemID string) (*Record, error)
	All(ctx context.Context) (map[string]Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, itemID string) error

	// HighWaterMark returns the revision cursor for the next
	// incremental listing; zero when no sync has completed yet.
	HighWaterMark(ctx context.Context) (time.Time, error)
	SetHighWaterMark(ctx context.Context, mark time.Time) error
}

const markKey = "high_water_mark"

// PostgresRecords stores records in the sync_records and sync_state
// tables, alongside the index so both survive restarts together.
type PostgresRecords struct {
	pool *pgxpool.Pool
}

func NewPostgresRecords(pool *pgxpool.Pool) *PostgresRecords {
	return &PostgresRecords{pool: pool}
}

func (s *PostgresRecords) Get(ctx context.Context, itemID string) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT item_id, revision, chunk_ids FROM sync_records WHERE item_id = $1`, itemID).
		Scan(&rec.ItemID, &rec.Revision, &rec.ChunkIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", itemID, err)
	}
	return &rec, nil
}

func (s *PostgresRecords) All(ctx context.Context) (map[string]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT item_id, revision, chunk_ids FROM sync_records`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ItemID, &rec.Revision, &rec.ChunkIDs); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out[rec.ItemID] = rec
	}
	return out, rows.Err()
}

func (s *PostgresRecords) Put(ctx context.Context, rec Record) error {
	if rec.ChunkIDs == nil {
		rec.ChunkIDs = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_records (item_id, revision, chunk_ids)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id) DO UPDATE SET
			revision = EXCLUDED.revision,
			chunk_ids = EXCLUDED.chunk_ids`,
		rec.ItemID, rec.Revision, rec.ChunkIDs)
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.ItemID, err)
	}
	return nil
}

func (s *PostgresRecords) Delete(ctx context.Context, itemID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sync_records WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("delete record %s: %w", itemID, err)
	}
	return nil
}

func (s *PostgresRecords) HighWaterMark(ctx context.Context) (time.Time, error) {
	var mark time.Time
	err := s.pool.QueryRow(ctx, `SELECT mark FROM sync_state WHERE key = $1`, markKey).Scan(&mark)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get high-water mark: %w", err)
	}
	return mark, nil
}

func (s *PostgresRecords) SetHighWaterMark(ctx context.Context, mark time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (key, mark) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET mark = EXCLUDED.mark`, markKey, mark)
	if err != nil {
		return fmt.Errorf("set high-water mark: %w", err)
	}
	return nil
}

// MemoryRecords is an in-process RecordStore for tests and ephemeral
// runs.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]Record
	mark    time.Time
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]Record)}
}

func (s *MemoryRecords) Get(_ context.Context, itemID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[itemID]
	if !ok {
		return nil, ErrNoRecord
	}
	return &rec, nil
}

func (s *MemoryRecords) All(_ context.Context) (map[string]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out, nil
}

func (s *MemoryRecords) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ItemID] = rec
	return nil
}

func (s *MemoryRecords) Delete(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, itemID)
	return nil
}

func (s *MemoryRecords) HighWaterMark(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mark, nil
}

func (s *MemoryRecords) SetHighWaterMark(_ context.Context, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = mark
	return nil
}
