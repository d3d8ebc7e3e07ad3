package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists events in the shared sqlite database. The events
// table is created by the storage migrations; this store only reads and
// appends.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append implements Store. The insert is a single statement and therefore
// atomic; historical rows are never updated.
func (s *SQLiteStore) Append(ctx context.Context, ev *Event) error {
	var payloadJSON sql.NullString
	if ev.Payload != nil {
		raw, err := MarshalPayload(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(raw), Valid: true}
	}
	redactedJSON, err := MarshalPayload(ev.PayloadRedacted)
	if err != nil {
		return fmt.Errorf("marshal redacted payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, trace_id, span_id, parent_span_id, event_type, component,
			actor_type, actor_id, thread_id, created_at,
			payload_json, payload_redacted_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TraceID, ev.SpanID, nullable(ev.ParentSpanID), string(ev.Type),
		ev.Component, string(ev.ActorKind), ev.ActorID, nullable(ev.ThreadID),
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		payloadJSON, string(redactedJSON),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Search implements Store, returning rows ordered by (created_at, id).
func (s *SQLiteStore) Search(ctx context.Context, f Filter) ([]*Event, error) {
	var conds []string
	var args []any

	if f.TraceID != "" {
		conds = append(conds, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.ThreadID != "" {
		conds = append(conds, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Component != "" {
		conds = append(conds, "component = ?")
		args = append(args, f.Component)
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "event_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT id, trace_id, span_id, parent_span_id, event_type, component, actor_type, actor_id, thread_id, created_at, payload_json, payload_redacted_json FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		ev                           Event
		parentSpan, threadID         sql.NullString
		createdAt                    string
		payloadJSON, redactedPayload sql.NullString
		typ, actorKind               string
	)
	err := rows.Scan(&ev.ID, &ev.TraceID, &ev.SpanID, &parentSpan, &typ,
		&ev.Component, &actorKind, &ev.ActorID, &threadID, &createdAt,
		&payloadJSON, &redactedPayload)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = Type(typ)
	ev.ActorKind = ActorKind(actorKind)
	ev.ParentSpanID = parentSpan.String
	ev.ThreadID = threadID.String
	ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	if payloadJSON.Valid {
		if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if redactedPayload.Valid {
		if err := json.Unmarshal([]byte(redactedPayload.String), &ev.PayloadRedacted); err != nil {
			return nil, fmt.Errorf("unmarshal redacted payload: %w", err)
		}
	}
	return &ev, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*SQLiteStore)(nil)
