package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/ids"
)

// Thread anchors a conversation. Threads are never deleted; Closed
// routes new inbound into a fresh thread.
type Thread struct {
	ID                  string
	UserID              string
	Channel             string
	Agents              []string
	CompactionThreshold int
	Closed              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Message is one immutable turn in a thread.
type Message struct {
	ID         string
	ThreadID   string
	Role       string
	Content    string
	MediaRef   string
	MediaMIME  string
	DeliveryID string
	CreatedAt  time.Time
}

// Schedule is one cron entry.
type Schedule struct {
	ID       string
	CronExpr string

	// ThreadID empty means null. A null schedule with an owner gets its
	// thread created and bound on first dispatch; without an owner it is
	// skipped with schedule.error.
	ThreadID string
	UserID   string
	Agent    string

	Enabled          bool
	CatchupCap       int
	LastDispatchedAt time.Time
	CreatedAt        time.Time
}

// Patch is the persisted mirror of one self-update proposal.
type Patch struct {
	TraceID               string
	State                 string
	BaselineRef           string
	EvidenceJSON          string
	ArtifactSchemaVersion int
	FailureCode           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Store is the typed accessor over the domain tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the handle for the events and state sub-stores.
func (s *Store) DB() *sql.DB { return s.db }

// isUniqueViolation reports whether err is a unique constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) ts() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// --- users ---

// GetOrCreateUser resolves a (channel, external sender) pair to a user
// id, creating the row on first contact.
func (s *Store) GetOrCreateUser(ctx context.Context, channel, externalID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE channel = ? AND external_id = ?`,
		channel, externalID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", errdef.Classify(fmt.Errorf("lookup user: %w", err))
	}

	id = ids.New(ids.PrefixUser)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, channel, external_id, created_at) VALUES (?, ?, ?, ?)`,
		id, channel, externalID, s.ts())
	if isUniqueViolation(err) {
		// Lost the insert race; the row exists now.
		return s.GetOrCreateUser(ctx, channel, externalID)
	}
	if err != nil {
		return "", errdef.Classify(fmt.Errorf("create user: %w", err))
	}
	return id, nil
}

// --- threads ---

// FindOpenThread returns the open thread for a user on a channel, or
// nil.
func (s *Store) FindOpenThread(ctx context.Context, channel, userID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, agents, compaction_threshold, closed, created_at, updated_at
		FROM threads
		WHERE user_id = ? AND channel = ? AND closed = 0
		ORDER BY created_at DESC LIMIT 1`, userID, channel)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// GetThread loads a thread by id.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, agents, compaction_threshold, closed, created_at, updated_at
		FROM threads WHERE id = ?`, threadID)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.Newf(errdef.PermanentNotFound, "thread %s not found", threadID)
	}
	return t, err
}

// CreateThread inserts a thread, assigning an id when empty.
func (s *Store) CreateThread(ctx context.Context, t *Thread) error {
	return s.createThread(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) createThread(ctx context.Context, db execer, t *Thread) error {
	if t.ID == "" {
		t.ID = ids.New(ids.PrefixThread)
	}
	if t.CompactionThreshold <= 0 {
		t.CompactionThreshold = 20
	}
	agents, err := json.Marshal(t.Agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	now := s.ts()
	_, err = db.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, channel, agents, compaction_threshold, closed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.UserID, t.Channel, string(agents), t.CompactionThreshold, now, now)
	if err != nil {
		return errdef.Classify(fmt.Errorf("create thread: %w", err))
	}
	return nil
}

// CloseThread flags a thread closed so new inbound opens a fresh one.
func (s *Store) CloseThread(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET closed = 1, updated_at = ? WHERE id = ?`, s.ts(), threadID)
	if err != nil {
		return errdef.Classify(fmt.Errorf("close thread: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.Newf(errdef.PermanentNotFound, "thread %s not found", threadID)
	}
	return nil
}

func scanThread(row *sql.Row) (*Thread, error) {
	var (
		t                  Thread
		agents             string
		closed             int
		createdAt, updated string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Channel, &agents, &t.CompactionThreshold,
		&closed, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	t.Closed = closed != 0
	if err := json.Unmarshal([]byte(agents), &t.Agents); err != nil {
		return nil, fmt.Errorf("decode thread agents: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse thread created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse thread updated_at: %w", err)
	}
	return &t, nil
}

// --- messages ---

// InsertMessage persists one message, assigning an id when empty.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = ids.New(ids.PrefixMessage)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, media_ref, media_mime, delivery_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Content,
		nullable(m.MediaRef), nullable(m.MediaMIME), nullable(m.DeliveryID),
		m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errdef.Classify(fmt.Errorf("insert message: %w", err))
	}
	return nil
}

// ThreadTail returns the last n messages of a thread in conversation
// order.
func (s *Store) ThreadTail(ctx context.Context, threadID string, n int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, content, media_ref, media_mime, delivery_id, created_at
		FROM (
			SELECT * FROM messages WHERE thread_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, threadID, n)
	if err != nil {
		return nil, errdef.Classify(fmt.Errorf("load thread tail: %w", err))
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m                             Message
			mediaRef, mediaMIME, delivery sql.NullString
			createdAt                     string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content,
			&mediaRef, &mediaMIME, &delivery, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.MediaRef = mediaRef.String
		m.MediaMIME = mediaMIME.String
		m.DeliveryID = delivery.String
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse message created_at: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CountInbound returns the number of user messages in a thread, used
// for the compaction cadence.
func (s *Store) CountInbound(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = ? AND role = 'user'`,
		threadID).Scan(&n)
	if err != nil {
		return 0, errdef.Classify(fmt.Errorf("count inbound: %w", err))
	}
	return n, nil
}

// --- deliveries ---

// RecordDelivery inserts the (channel, external_id) dedup marker.
// Returns false when the delivery was already seen.
func (s *Store) RecordDelivery(ctx context.Context, channel, externalID string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (channel, external_id, received_at) VALUES (?, ?, ?)`,
		channel, externalID, s.ts())
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, errdef.Classify(fmt.Errorf("record delivery: %w", err))
	}
	return true, nil
}

// --- permissions ---

// GrantsFor returns the principal's permission rows as the policy
// engine's grant map.
func (s *Store) GrantsFor(ctx context.Context, principalID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name FROM permissions WHERE principal_id = ?`, principalID)
	if err != nil {
		return nil, errdef.Classify(fmt.Errorf("load grants: %w", err))
	}
	defer rows.Close()

	grants := make(map[string]bool)
	for rows.Next() {
		var tool string
		if err := rows.Scan(&tool); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants[tool] = true
	}
	return grants, rows.Err()
}

// Grant adds a permission row; tool "*" is the wildcard.
func (s *Store) Grant(ctx context.Context, principalID, tool string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (principal_id, tool_name, granted_at) VALUES (?, ?, ?)
		ON CONFLICT(principal_id, tool_name) DO NOTHING`,
		principalID, tool, s.ts())
	if err != nil {
		return errdef.Classify(fmt.Errorf("grant: %w", err))
	}
	return nil
}

// Revoke removes a permission row.
func (s *Store) Revoke(ctx context.Context, principalID, tool string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE principal_id = ? AND tool_name = ?`,
		principalID, tool)
	if err != nil {
		return errdef.Classify(fmt.Errorf("revoke: %w", err))
	}
	return nil
}

// --- schedules ---

// ListEnabledSchedules returns all enabled schedules.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_expr, thread_id, user_id, agent, enabled, catchup_cap, last_dispatched_at, created_at
		FROM schedules WHERE enabled = 1`)
	if err != nil {
		return nil, errdef.Classify(fmt.Errorf("load schedules: %w", err))
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		var (
			sch                Schedule
			threadID, lastDisp sql.NullString
			enabled            int
			createdAt          string
		)
		if err := rows.Scan(&sch.ID, &sch.CronExpr, &threadID, &sch.UserID, &sch.Agent, &enabled,
			&sch.CatchupCap, &lastDisp, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sch.ThreadID = threadID.String
		sch.Enabled = enabled != 0
		if lastDisp.Valid && lastDisp.String != "" {
			if sch.LastDispatchedAt, err = time.Parse(time.RFC3339Nano, lastDisp.String); err != nil {
				return nil, fmt.Errorf("parse last_dispatched_at: %w", err)
			}
		}
		if sch.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse schedule created_at: %w", err)
		}
		out = append(out, &sch)
	}
	return out, rows.Err()
}

// CreateSchedule inserts a schedule, assigning an id when empty.
func (s *Store) CreateSchedule(ctx context.Context, sch *Schedule) error {
	if sch.ID == "" {
		sch.ID = ids.New(ids.PrefixSchedule)
	}
	if sch.CatchupCap <= 0 {
		sch.CatchupCap = 5
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, cron_expr, thread_id, user_id, agent, enabled, catchup_cap, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.CronExpr, nullable(sch.ThreadID), sch.UserID, sch.Agent,
		boolInt(sch.Enabled), sch.CatchupCap, s.ts())
	if err != nil {
		return errdef.Classify(fmt.Errorf("create schedule: %w", err))
	}
	return nil
}

// InsertDispatch attempts to claim a due instant. Returns false when
// (schedule_id, due_at) was already dispatched.
func (s *Store) InsertDispatch(ctx context.Context, scheduleID string, dueAt time.Time) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_dispatches (schedule_id, due_at, dispatched_at) VALUES (?, ?, ?)`,
		scheduleID, dueAt.UTC().Format(time.RFC3339Nano), s.ts())
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, errdef.Classify(fmt.Errorf("insert dispatch: %w", err))
	}
	return true, nil
}

// MarkDispatched advances the schedule's high-water mark.
func (s *Store) MarkDispatched(ctx context.Context, scheduleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_dispatched_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), scheduleID)
	if err != nil {
		return errdef.Classify(fmt.Errorf("mark dispatched: %w", err))
	}
	return nil
}

// AttachScheduleThread creates the schedule's thread and binds it in a
// single transaction.
func (s *Store) AttachScheduleThread(ctx context.Context, scheduleID string, t *Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Classify(fmt.Errorf("begin schedule thread tx: %w", err))
	}
	if err := s.createThread(ctx, tx, t); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE schedules SET thread_id = ? WHERE id = ?`, t.ID, scheduleID); err != nil {
		tx.Rollback()
		return errdef.Classify(fmt.Errorf("bind schedule thread: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return errdef.Classify(fmt.Errorf("commit schedule thread tx: %w", err))
	}
	return nil
}

// --- patches ---

// InsertPatch persists a new proposal record.
func (s *Store) InsertPatch(ctx context.Context, p *Patch) error {
	if p.ArtifactSchemaVersion <= 0 {
		p.ArtifactSchemaVersion = 1
	}
	now := s.ts()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patches (trace_id, state, baseline_ref, evidence_json, artifact_schema_version, failure_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TraceID, p.State, p.BaselineRef, p.EvidenceJSON,
		p.ArtifactSchemaVersion, p.FailureCode, now, now)
	if err != nil {
		return errdef.Classify(fmt.Errorf("insert patch: %w", err))
	}
	return nil
}

// UpdatePatchState transitions a patch record.
func (s *Store) UpdatePatchState(ctx context.Context, traceID, state, failureCode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE patches SET state = ?, failure_code = ?, updated_at = ? WHERE trace_id = ?`,
		state, failureCode, s.ts(), traceID)
	if err != nil {
		return errdef.Classify(fmt.Errorf("update patch: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.Newf(errdef.PermanentNotFound, "patch %s not found", traceID)
	}
	return nil
}

// GetPatch loads one proposal record.
func (s *Store) GetPatch(ctx context.Context, traceID string) (*Patch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, state, baseline_ref, evidence_json, artifact_schema_version, failure_code, created_at, updated_at
		FROM patches WHERE trace_id = ?`, traceID)
	var (
		p                  Patch
		createdAt, updated string
	)
	err := row.Scan(&p.TraceID, &p.State, &p.BaselineRef, &p.EvidenceJSON,
		&p.ArtifactSchemaVersion, &p.FailureCode, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdef.Newf(errdef.PermanentNotFound, "patch %s not found", traceID)
	}
	if err != nil {
		return nil, errdef.Classify(fmt.Errorf("load patch: %w", err))
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse patch created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse patch updated_at: %w", err)
	}
	return &p, nil
}

// CountPatchAttemptsSince counts proposals created at or after the
// cutoff, for the daily attempt guardrail.
func (s *Store) CountPatchAttemptsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM patches WHERE created_at >= ?`,
		since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return 0, errdef.Classify(fmt.Errorf("count patch attempts: %w", err))
	}
	return n, nil
}

// CountPatchAppliesSince counts patches that reached apply at or after
// the cutoff, for the daily apply guardrail.
func (s *Store) CountPatchAppliesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM patches
		WHERE state IN ('applied','verified','rolled_back') AND updated_at >= ?`,
		since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return 0, errdef.Classify(fmt.Errorf("count patch applies: %w", err))
	}
	return n, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
