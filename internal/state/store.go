package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps the record in memory. Used in tests.
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	clone := *s.rec
	return &clone, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.rec = &clone
	return nil
}

// SQLiteStore mirrors the singleton into the system_state table, which
// holds exactly one row with id=1.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lockdown, lockdown_reason, restarting, unlock_code,
		       unlock_expires_at, version, updated_at
		FROM system_state WHERE id = 1`)

	var (
		rec                  Record
		expiresAt, updated   string
		lockdown, restarting int
	)
	err := row.Scan(&lockdown, &rec.LockdownReason, &restarting,
		&rec.UnlockCode, &expiresAt, &rec.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load system state row: %w", err)
	}
	rec.Lockdown = lockdown != 0
	rec.Restarting = restarting != 0
	if rec.UnlockExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (
			id, lockdown, lockdown_reason, restarting, unlock_code,
			unlock_expires_at, version, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lockdown = excluded.lockdown,
			lockdown_reason = excluded.lockdown_reason,
			restarting = excluded.restarting,
			unlock_code = excluded.unlock_code,
			unlock_expires_at = excluded.unlock_expires_at,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		boolInt(rec.Lockdown), rec.LockdownReason, boolInt(rec.Restarting),
		rec.UnlockCode, formatTime(rec.UnlockExpiresAt),
		rec.Version, formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save system state row: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse system state timestamp: %w", err)
	}
	return t, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
