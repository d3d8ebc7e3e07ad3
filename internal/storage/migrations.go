package storage

type migration struct {
	version int
	sql     string
}

// migrations are append-only: historical entries never change meaning.
var migrations = []migration{
	{1, `
		CREATE TABLE users (
			id          TEXT PRIMARY KEY,
			channel     TEXT NOT NULL,
			external_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			UNIQUE (channel, external_id)
		);

		CREATE TABLE threads (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL REFERENCES users(id),
			channel              TEXT NOT NULL,
			agents               TEXT NOT NULL DEFAULT '[]',
			compaction_threshold INTEGER NOT NULL DEFAULT 20,
			closed               INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		);
		CREATE INDEX idx_threads_user ON threads(user_id, closed);

		CREATE TABLE messages (
			id          TEXT PRIMARY KEY,
			thread_id   TEXT NOT NULL REFERENCES threads(id),
			role        TEXT NOT NULL CHECK (role IN ('user','assistant','tool')),
			content     TEXT NOT NULL,
			media_ref   TEXT,
			media_mime  TEXT,
			delivery_id TEXT,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX idx_messages_thread ON messages(thread_id, created_at, id);

		CREATE TABLE deliveries (
			channel     TEXT NOT NULL,
			external_id TEXT NOT NULL,
			received_at TEXT NOT NULL,
			PRIMARY KEY (channel, external_id)
		);

		CREATE TABLE permissions (
			principal_id TEXT NOT NULL,
			tool_name    TEXT NOT NULL,
			granted_at   TEXT NOT NULL,
			PRIMARY KEY (principal_id, tool_name)
		);
	`},
	{2, `
		CREATE TABLE schedules (
			id                 TEXT PRIMARY KEY,
			cron_expr          TEXT NOT NULL,
			thread_id          TEXT,
			enabled            INTEGER NOT NULL DEFAULT 1,
			catchup_cap        INTEGER NOT NULL DEFAULT 5,
			last_dispatched_at TEXT,
			created_at         TEXT NOT NULL
		);

		CREATE TABLE schedule_dispatches (
			schedule_id   TEXT NOT NULL REFERENCES schedules(id),
			due_at        TEXT NOT NULL,
			dispatched_at TEXT NOT NULL,
			PRIMARY KEY (schedule_id, due_at)
		);
	`},
	{3, `
		CREATE TABLE events (
			id                    TEXT PRIMARY KEY,
			trace_id              TEXT NOT NULL,
			span_id               TEXT NOT NULL,
			parent_span_id        TEXT,
			event_type            TEXT NOT NULL,
			component             TEXT NOT NULL,
			actor_type            TEXT NOT NULL,
			actor_id              TEXT NOT NULL,
			thread_id             TEXT,
			created_at            TEXT NOT NULL,
			payload_json          TEXT,
			payload_redacted_json TEXT NOT NULL
		);
		CREATE INDEX idx_events_trace ON events(trace_id, created_at, id);
		CREATE INDEX idx_events_type ON events(event_type, created_at);
		CREATE INDEX idx_events_thread ON events(thread_id, created_at);
	`},
	{4, `
		CREATE TABLE system_state (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			lockdown          INTEGER NOT NULL DEFAULT 0,
			lockdown_reason   TEXT NOT NULL DEFAULT '',
			restarting        INTEGER NOT NULL DEFAULT 0,
			unlock_code       TEXT NOT NULL DEFAULT '',
			unlock_expires_at TEXT NOT NULL DEFAULT '',
			version           INTEGER NOT NULL DEFAULT 0,
			updated_at        TEXT NOT NULL DEFAULT ''
		);
	`},
	{5, `
		CREATE TABLE patches (
			trace_id               TEXT PRIMARY KEY,
			state                  TEXT NOT NULL,
			baseline_ref           TEXT NOT NULL,
			evidence_json          TEXT NOT NULL,
			artifact_schema_version INTEGER NOT NULL DEFAULT 1,
			failure_code           TEXT NOT NULL DEFAULT '',
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		);
	`},
	{6, `
		CREATE TABLE thread_summaries (
			thread_id     TEXT PRIMARY KEY REFERENCES threads(id),
			short_summary TEXT NOT NULL DEFAULT '',
			long_summary  TEXT NOT NULL DEFAULT '',
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE memory_chunks (
			id             TEXT PRIMARY KEY,
			thread_id      TEXT NOT NULL,
			text           TEXT NOT NULL,
			provenance     TEXT NOT NULL DEFAULT '',
			embedding_json TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);
		CREATE INDEX idx_chunks_thread ON memory_chunks(thread_id);

		CREATE TABLE state_items (
			id           TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			item_type    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			topic        TEXT NOT NULL DEFAULT '',
			text         TEXT NOT NULL,
			pinned       INTEGER NOT NULL DEFAULT 0,
			conflict     INTEGER NOT NULL DEFAULT 0,
			confidence   REAL NOT NULL DEFAULT 0.5,
			ref_count    INTEGER NOT NULL DEFAULT 0,
			last_seen_at TEXT NOT NULL
		);
		CREATE INDEX idx_state_items_thread ON state_items(thread_id, status);
	`},
	{7, `
		ALTER TABLE schedules ADD COLUMN user_id TEXT NOT NULL DEFAULT '';
		ALTER TABLE schedules ADD COLUMN agent   TEXT NOT NULL DEFAULT '';
	`},
}
