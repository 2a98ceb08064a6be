package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/corvid0/almanac/internal/log"
)

// Postgres implements Index over a pgvector-enabled database. Vector
// search uses cosine distance; keyword search uses a stored tsvector
// column with ts_rank_cd ranking.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres wraps an existing pool. The schema must already be
// migrated.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) *Postgres {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Postgres{pool: pool, logger: logger}
}

func (p *Postgres) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", e.ID, err)
		}
		batch.Queue(`
			INSERT INTO entries (id, partition, item_id, content, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				partition = EXCLUDED.partition,
				item_id = EXCLUDED.item_id,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata`,
			e.ID, e.Partition, e.ItemID, e.Content, pgvector.NewVector(e.Embedding), meta)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert entries: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM entries WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

func (p *Postgres) Query(ctx context.Context, vector []float32, opts ...SearchOption) ([]Hit, error) {
	o := applyOptions(opts)

	where, args := filterClauses(o, 1)
	args = append([]any{pgvector.NewVector(vector)}, args...)

	query := fmt.Sprintf(`
		SELECT id, partition, item_id, content, metadata, created_at,
		       1 - (embedding <=> $1) AS score
		FROM entries
		%s
		ORDER BY embedding <=> $1
		LIMIT %d`, where, o.topK)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func (p *Postgres) KeywordQuery(ctx context.Context, text string, opts ...SearchOption) ([]Hit, error) {
	o := applyOptions(opts)

	where, args := filterClauses(o, 1)
	args = append([]any{text}, args...)
	match := "content_tsv @@ plainto_tsquery('english', $1)"
	if where == "" {
		where = "WHERE " + match
	} else {
		where += " AND " + match
	}

	query := fmt.Sprintf(`
		SELECT id, partition, item_id, content, metadata, created_at,
		       ts_rank_cd(content_tsv, plainto_tsquery('english', $1)) AS score
		FROM entries
		%s
		ORDER BY score DESC
		LIMIT %d`, where, o.topK)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword query: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func (p *Postgres) IDsForItem(ctx context.Context, itemID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM entries WHERE item_id = $1`, itemID)
	if err != nil {
		return nil, fmt.Errorf("ids for item %s: %w", itemID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// filterClauses renders the optional search filters as a WHERE clause.
// Placeholder numbering starts after the reserved leading args.
func filterClauses(o searchOptions, reserved int) (string, []any) {
	var conds []string
	var args []any
	n := reserved

	add := func(cond string, arg any) {
		n++
		conds = append(conds, fmt.Sprintf(cond, n))
		args = append(args, arg)
	}

	if o.partition != "" {
		add("partition = $%d", o.partition)
	}
	if o.tag != "" {
		add("metadata->'tags' ? $%d", o.tag)
	}
	if !o.since.IsZero() {
		add("created_at >= $%d", o.since)
	}
	if !o.until.IsZero() {
		add("created_at < $%d", o.until)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func scanHits(rows pgx.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		var meta []byte
		if err := rows.Scan(&h.Entry.ID, &h.Entry.Partition, &h.Entry.ItemID,
			&h.Entry.Content, &meta, &h.Entry.CreatedAt, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &h.Entry.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for %s: %w", h.Entry.ID, err)
			}
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
