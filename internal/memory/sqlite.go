package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/ids"
)

// SQLiteStore implements Store over the shared database. Similarity is
// computed in process: thread-scoped corpora are small enough that a
// full scan beats maintaining an index.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	now      func() time.Time
}

// NewSQLiteStore wraps an open handle with the given embedder.
func NewSQLiteStore(db *sql.DB, embedder Embedder) *SQLiteStore {
	return &SQLiteStore{db: db, embedder: embedder, now: time.Now}
}

// ThreadSummary implements Store.
func (s *SQLiteStore) ThreadSummary(ctx context.Context, threadID string) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT short_summary, long_summary, updated_at
		FROM thread_summaries WHERE thread_id = ?`, threadID)

	var (
		sum     Summary
		updated string
	)
	err := row.Scan(&sum.Short, &sum.Long, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{}, errdef.New(errdef.DegradedMemory, fmt.Sprintf("load thread summary: %v", err))
	}
	if sum.LastUpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Summary{}, errdef.New(errdef.DegradedMemory, fmt.Sprintf("parse summary timestamp: %v", err))
	}
	return sum, nil
}

// Retrieve implements Store: blend of cosine similarity against the
// stored chunk embeddings and recency decay, best k returned.
func (s *SQLiteStore) Retrieve(ctx context.Context, threadID, query string, k int, blend BlendParams) ([]Chunk, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errdef.New(errdef.DegradedMemory, fmt.Sprintf("embed query: %v", err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT text, provenance, embedding_json, created_at
		FROM memory_chunks WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, errdef.New(errdef.DegradedMemory, fmt.Sprintf("load chunks: %v", err))
	}
	defer rows.Close()

	now := s.now()
	var chunks []Chunk
	for rows.Next() {
		var (
			text, provenance string
			embeddingJSON    string
			createdAt        string
		)
		if err := rows.Scan(&text, &provenance, &embeddingJSON, &createdAt); err != nil {
			return nil, errdef.New(errdef.DegradedMemory, fmt.Sprintf("scan chunk: %v", err))
		}
		var vec []float64
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			continue // a corrupt embedding degrades one chunk, not the query
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:       text,
			Provenance: provenance,
			Score:      BlendScore(Cosine(queryVec, vec), now.Sub(created), blend),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.New(errdef.DegradedMemory, fmt.Sprintf("iterate chunks: %v", err))
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	return chunks, nil
}

// ActiveStateItems implements Store. Items are filtered to active
// status and ordered for prompt rendering.
func (s *SQLiteStore) ActiveStateItems(ctx context.Context, threadID, agentID string) ([]StateItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_type, status, topic, text, pinned, conflict,
		       confidence, ref_count, last_seen_at
		FROM state_items
		WHERE thread_id = ? AND status = 'active'`, threadID)
	if err != nil {
		return nil, errdef.New(errdef.DegradedMemory, fmt.Sprintf("load state items: %v", err))
	}
	defer rows.Close()

	var items []StateItem
	for rows.Next() {
		var (
			item             StateItem
			pinned, conflict int
			lastSeen         string
		)
		if err := rows.Scan(&item.ID, &item.Type, &item.Status, &item.Topic,
			&item.Text, &pinned, &conflict, &item.Confidence, &item.RefCount,
			&lastSeen); err != nil {
			return nil, errdef.New(errdef.DegradedMemory, fmt.Sprintf("scan state item: %v", err))
		}
		item.Pinned = pinned != 0
		item.Conflict = conflict != 0
		if item.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.New(errdef.DegradedMemory, fmt.Sprintf("iterate state items: %v", err))
	}
	SortStateItems(items)
	return items, nil
}

// Embed implements Store.
func (s *SQLiteStore) Embed(ctx context.Context, text string) ([]float64, error) {
	return s.embedder.Embed(ctx, text)
}

// UpsertSummary replaces the rolling summary pair for a thread.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, threadID string, sum Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_summaries (thread_id, short_summary, long_summary, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			short_summary = excluded.short_summary,
			long_summary  = excluded.long_summary,
			updated_at    = excluded.updated_at`,
		threadID, sum.Short, sum.Long, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errdef.New(errdef.DegradedMemory, fmt.Sprintf("upsert summary: %v", err))
	}
	return nil
}

// IndexChunk embeds and stores one retrieval chunk. A non-empty
// provenance is idempotent per thread: re-indexing the same source
// returns the existing chunk id.
func (s *SQLiteStore) IndexChunk(ctx context.Context, threadID, text, provenance string) (string, error) {
	if provenance != "" {
		var existing string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM memory_chunks WHERE thread_id = ? AND provenance = ?`,
			threadID, provenance).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", errdef.New(errdef.DegradedMemory, fmt.Sprintf("check chunk provenance: %v", err))
		}
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", errdef.New(errdef.DegradedMemory, fmt.Sprintf("embed chunk: %v", err))
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return "", errdef.New(errdef.DegradedMemory, fmt.Sprintf("encode embedding: %v", err))
	}

	id := ids.New(ids.PrefixChunk)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_chunks (id, thread_id, text, provenance, embedding_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, threadID, text, provenance, string(raw), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", errdef.New(errdef.DegradedMemory, fmt.Sprintf("insert chunk: %v", err))
	}
	return id, nil
}

var _ Store = (*SQLiteStore)(nil)
