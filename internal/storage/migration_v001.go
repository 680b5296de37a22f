package storage

import "database/sql"

// migrateV001 creates the message log, conversation index and outbox
// tables. Timestamps are epoch milliseconds.
func migrateV001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id          TEXT NOT NULL,
			schema_version    TEXT NOT NULL,
			tenant_id         TEXT NOT NULL DEFAULT '',
			conversation_id   TEXT NOT NULL,
			source_message_id TEXT NOT NULL DEFAULT '',
			author_role       TEXT NOT NULL CHECK (author_role IN ('self', 'contact', 'system')),
			author_name       TEXT NOT NULL DEFAULT '',
			ts_source         INTEGER NOT NULL,
			sequence          INTEGER NOT NULL DEFAULT 0,
			text              TEXT NOT NULL,
			text_normalized   TEXT NOT NULL,
			dedupe_key        TEXT NOT NULL,
			checksum          TEXT NOT NULL,
			ingested_at       INTEGER NOT NULL,
			UNIQUE(conversation_id, dedupe_key)
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			last_synced_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS outbox_jobs (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			payload         TEXT NOT NULL,
			status          TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'failed')),
			attempts        INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			last_error      TEXT NOT NULL DEFAULT '',
			remote_job_id   TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_jobs(status, next_attempt_at)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
