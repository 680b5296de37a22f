// Package storage is the SQLite implementation of the message log,
// conversation index and outbox contracts.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // registers "sqlite" (pure Go)

	"github.com/user/wacopilot/internal/types"
)

const (
	// DriverPureGo is the modernc.org/sqlite driver name.
	DriverPureGo = "sqlite"
	// DriverCGO is the github.com/mattn/go-sqlite3 driver name.
	DriverCGO = "sqlite3"
)

// Compile-time interface compliance checks.
var (
	_ types.MessageLog        = (*MessageTable)(nil)
	_ types.ConversationStore = (*ConversationTable)(nil)
	_ types.OutboxStore       = (*OutboxTable)(nil)
)

// SQLiteStore owns the database handle. Each persistence contract is served
// by a table view sharing it.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	insertMessage *sql.Stmt
	getJob        *sql.Stmt
}

// MessageTable implements types.MessageLog.
type MessageTable struct{ *SQLiteStore }

// ConversationTable implements types.ConversationStore.
type ConversationTable struct{ *SQLiteStore }

// OutboxTable implements types.OutboxStore.
type OutboxTable struct{ *SQLiteStore }

func (s *SQLiteStore) Messages() *MessageTable           { return &MessageTable{s} }
func (s *SQLiteStore) Conversations() *ConversationTable { return &ConversationTable{s} }
func (s *SQLiteStore) Outbox() *OutboxTable              { return &OutboxTable{s} }

// Open opens path with the named driver, applies migrations and prepares
// statements. A single connection is used so ":memory:" databases work.
func Open(driver, path string) (*SQLiteStore, error) {
	if driver == "" {
		driver = DriverPureGo
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	db.SetMaxOpenConns(1)

	if err := NewMigrationRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore creates a new SQLiteStore from an already-opened and migrated database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertMessage, err = s.db.Prepare(`
		INSERT INTO messages (event_id, schema_version, tenant_id, conversation_id, source_message_id,
			author_role, author_name, ts_source, sequence, text, text_normalized, dedupe_key, checksum, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, dedupe_key) DO NOTHING
	`)
	if err != nil {
		return err
	}

	s.getJob, err = s.db.Prepare(`SELECT ` + jobColumns + ` FROM outbox_jobs WHERE id = ?`)
	if err != nil {
		return err
	}
	return nil
}

// Close releases prepared statements and the database handle.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.insertMessage, s.getJob} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// --- Message log ---

const messageColumns = `event_id, schema_version, tenant_id, conversation_id, source_message_id,
	author_role, author_name, ts_source, sequence, text, text_normalized, dedupe_key, checksum, ingested_at`

// Append inserts the message unless (conversation, dedupe key) already exists.
func (m *MessageTable) Append(ctx context.Context, e *types.MessageEvent) (bool, error) {
	res, err := m.insertMessage.ExecContext(ctx,
		string(e.EventID), e.SchemaVersion, e.TenantID, string(e.ConversationID), e.SourceMessageID,
		string(e.AuthorRole), e.AuthorName, e.TimestampSource.UnixMilli(), e.Sequence,
		e.Text, e.TextNormalized, e.DedupeKey, e.Checksum, e.IngestedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message rows: %w", err)
	}
	return n > 0, nil
}

// ListByConversation returns the last limit messages in capture order.
// A non-positive limit returns everything.
func (m *MessageTable) ListByConversation(ctx context.Context, id types.ConversationID, limit int) ([]*types.MessageEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT seq, `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var events []*types.MessageEvent
	for rows.Next() {
		e, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanMessage(rows *sql.Rows) (*types.MessageEvent, error) {
	var (
		e                   types.MessageEvent
		eventID, conv, role string
		ts, ingested        int64
	)
	err := rows.Scan(&eventID, &e.SchemaVersion, &e.TenantID, &conv, &e.SourceMessageID,
		&role, &e.AuthorName, &ts, &e.Sequence, &e.Text, &e.TextNormalized,
		&e.DedupeKey, &e.Checksum, &ingested)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	e.EventID = types.EventID(eventID)
	e.ConversationID = types.ConversationID(conv)
	e.AuthorRole = types.AuthorRole(role)
	e.TimestampSource = time.UnixMilli(ts).UTC()
	e.IngestedAt = time.UnixMilli(ingested).UTC()
	return &e, nil
}

func (m *MessageTable) Count(ctx context.Context, id types.ConversationID) (int64, error) {
	var n int64
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, string(id)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (m *MessageTable) Delete(ctx context.Context, id types.ConversationID, dedupeKey string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND dedupe_key = ?`, string(id), dedupeKey)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (m *MessageTable) DeleteConversation(ctx context.Context, id types.ConversationID) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}
	return nil
}

// --- Conversations ---

// Upsert creates or refreshes a conversation. CreatedAt and LastSyncedAt of
// an existing row are preserved; an empty Title keeps the stored one.
func (c *ConversationTable) Upsert(ctx context.Context, rec *types.ConversationRecord) error {
	now := c.now()
	created, updated := rec.CreatedAt, rec.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	var synced sql.NullInt64
	if rec.LastSyncedAt != nil {
		synced = sql.NullInt64{Int64: rec.LastSyncedAt.UnixMilli(), Valid: true}
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE conversations.title END,
			updated_at = excluded.updated_at,
			last_synced_at = COALESCE(excluded.last_synced_at, conversations.last_synced_at)
	`, string(rec.ID), rec.Title, created.UnixMilli(), updated.UnixMilli(), synced)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, title, created_at, updated_at, last_synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.ConversationRecord, error) {
	var (
		rec              types.ConversationRecord
		id               string
		created, updated int64
		synced           sql.NullInt64
	)
	if err := row.Scan(&id, &rec.Title, &created, &updated, &synced); err != nil {
		return nil, err
	}
	rec.ID = types.ConversationID(id)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	if synced.Valid {
		t := time.UnixMilli(synced.Int64).UTC()
		rec.LastSyncedAt = &t
	}
	return &rec, nil
}

func (c *ConversationTable) Get(ctx context.Context, id types.ConversationID) (*types.ConversationRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, string(id))
	rec, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return rec, nil
}

// List returns all conversations, most recently updated first.
func (c *ConversationTable) List(ctx context.Context) ([]*types.ConversationRecord, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*types.ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c *ConversationTable) MarkSynced(ctx context.Context, id types.ConversationID, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `UPDATE conversations SET last_synced_at = ? WHERE id = ?`, at.UnixMilli(), string(id))
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// PruneStale deletes conversations not updated since olderThan together
// with their messages.
func (c *ConversationTable) PruneStale(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := olderThan.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (
			SELECT id FROM conversations WHERE updated_at < ?
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}

// --- Outbox ---

const jobColumns = `id, kind, payload, status, attempts, next_attempt_at, created_at, updated_at,
	idempotency_key, last_error, remote_job_id`

func scanJob(row rowScanner) (*types.OutboxJob, error) {
	var (
		job                       types.OutboxJob
		id, kind, status, payload string
	)
	err := row.Scan(&id, &kind, &payload, &status, &job.Attempts, &job.NextAttemptAt,
		&job.CreatedAt, &job.UpdatedAt, &job.IdempotencyKey, &job.LastError, &job.RemoteJobID)
	if err != nil {
		return nil, err
	}
	job.ID = types.JobID(id)
	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	job.Payload = []byte(payload)
	return &job, nil
}

func (o *OutboxTable) Put(ctx context.Context, job *types.OutboxJob) error {
	_, err := o.db.ExecContext(ctx, `INSERT INTO outbox_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), string(job.Kind), string(job.Payload), string(job.Status), job.Attempts,
		job.NextAttemptAt, job.CreatedAt, job.UpdatedAt, job.IdempotencyKey, job.LastError, job.RemoteJobID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (o *OutboxTable) Update(ctx context.Context, job *types.OutboxJob) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET kind = ?, payload = ?, status = ?, attempts = ?, next_attempt_at = ?,
			updated_at = ?, last_error = ?, remote_job_id = ?
		WHERE id = ?`,
		string(job.Kind), string(job.Payload), string(job.Status), job.Attempts, job.NextAttemptAt,
		job.UpdatedAt, job.LastError, job.RemoteJobID, string(job.ID))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, types.ErrNotFound)
	}
	return nil
}

// Delete removes a job. Deleting a missing job is not an error.
func (o *OutboxTable) Delete(ctx context.Context, id types.JobID) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox_jobs WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (o *OutboxTable) Get(ctx context.Context, id types.JobID) (*types.OutboxJob, error) {
	job, err := scanJob(o.getJob.QueryRowContext(ctx, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns every job, oldest first.
func (o *OutboxTable) List(ctx context.Context) ([]*types.OutboxJob, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM outbox_jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.OutboxJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
