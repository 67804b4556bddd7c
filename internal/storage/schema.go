// Package storage owns the SQLite-backed relational schema shared by every
// repository: users, sessions, turns, facts, plugin_enablement, and
// rate_counters, exactly as laid out in the persisted state section of the
// specification. All per-user tables index user_id and cascade on user
// deletion.
package storage

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL UNIQUE,
	password_hash      TEXT NOT NULL,
	password_salt      TEXT NOT NULL,
	pbkdf2_iterations  INTEGER NOT NULL,
	role               TEXT NOT NULL,
	tier               TEXT NOT NULL,
	locked_until       TIMESTAMP,
	consecutive_fails  INTEGER NOT NULL DEFAULT 0,
	last_failure_at    TIMESTAMP,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash   TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL,
	expires_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions(token_hash);

CREATE TABLE IF NOT EXISTS turns (
	turn_id       TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	session_id    TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	tool_call_ref TEXT,
	token_count   INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_user_id_seq ON turns(user_id, seq);
CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id);

CREATE TABLE IF NOT EXISTS facts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	source_turn_id TEXT,
	text           TEXT NOT NULL,
	importance     REAL NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	embedding      BLOB
);
CREATE INDEX IF NOT EXISTS idx_facts_user_id ON facts(user_id);

CREATE TABLE IF NOT EXISTS plugin_enablement (
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	plugin_name TEXT NOT NULL,
	enabled_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, plugin_name)
);

CREATE TABLE IF NOT EXISTS rate_counters (
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kind         TEXT NOT NULL,
	window_start TIMESTAMP NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, kind, window_start)
);
`

// Schema returns the full DDL applied by Migrate.
func Schema() string { return schema }
