package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/catalogops/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// The partial unique index on sku_id enforces the idempotency guard:
// at most one non-settled thread per SKU. Settled threads keep their
// rows, so resubmission after completion creates an independent thread.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS threads (
	id             TEXT PRIMARY KEY,
	sku_id         TEXT NOT NULL,
	batch_id       TEXT NOT NULL,
	stage          TEXT NOT NULL,
	status         TEXT NOT NULL,
	payload        TEXT NOT NULL DEFAULT '{}',
	confidence     REAL NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	escalated_from TEXT NOT NULL DEFAULT '',
	status_reason  TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_active_sku ON threads(sku_id)
	WHERE status IN ('in_progress', 'needs_human_review');

CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
CREATE INDEX IF NOT EXISTS idx_threads_batch ON threads(batch_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id),
	seq       INTEGER NOT NULL,
	stage     TEXT NOT NULL,
	type      TEXT NOT NULL,
	attempt   INTEGER NOT NULL,
	status    TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	at        DATETIME NOT NULL,
	UNIQUE(thread_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_audit_thread ON audit_events(thread_id, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateThread(ctx context.Context, t *model.Thread) error {
	now := time.Now().UTC()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads
		 (id, sku_id, batch_id, stage, status, payload, confidence, attempts, escalated_from, status_reason, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SKUID, t.BatchID, string(t.Stage), string(t.Status), string(payloadJSON),
		t.Confidence, t.Attempts, string(t.EscalatedFrom), t.StatusReason, t.Version, now, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrAlreadyExists, "sku %s", t.SKUID)
		}
		return eris.Wrapf(err, "sqlite: insert thread %s", t.ID)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sku_id, batch_id, stage, status, payload, confidence, attempts, escalated_from, status_reason, version, created_at, updated_at
		 FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, t *model.Thread) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET
			stage = ?, status = ?, payload = ?, confidence = ?, attempts = ?,
			escalated_from = ?, status_reason = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(t.Stage), string(t.Status), string(payloadJSON), t.Confidence, t.Attempts,
		string(t.EscalatedFrom), t.StatusReason, now,
		t.ID, t.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: cas thread %s", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Distinguish a missing thread from a stale version.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM threads WHERE id = ?`, t.ID).Scan(&exists); err != nil {
			return eris.Wrapf(err, "sqlite: cas recheck %s", t.ID)
		}
		if exists == 0 {
			return eris.Wrapf(ErrNotFound, "thread %s", t.ID)
		}
		return eris.Wrapf(ErrVersionConflict, "thread %s at version %d", t.ID, t.Version)
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]model.Thread, error) {
	query := `SELECT id, sku_id, batch_id, stage, status, payload, confidence, attempts, escalated_from, status_reason, version, created_at, updated_at
		FROM threads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.SKUID != "" {
		query += ` AND sku_id = ?`
		args = append(args, filter.SKUID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list threads")
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, eris.Wrap(rows.Err(), "sqlite: list threads iterate")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.ThreadStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM threads GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ThreadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.ThreadStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count iterate")
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	// The supervisor is the sole writer per thread, so the seq subquery
	// cannot race with another appender for the same thread.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO audit_events (thread_id, seq, stage, type, attempt, status, detail, at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events WHERE thread_id = ?), ?, ?, ?, ?, ?, ?)
		 RETURNING seq`,
		ev.ThreadID, ev.ThreadID, string(ev.Stage), string(ev.Type), ev.Attempt, string(ev.Status), ev.Detail, ev.At,
	)
	if err := row.Scan(&ev.Seq); err != nil {
		return eris.Wrapf(err, "sqlite: append audit for %s", ev.ThreadID)
	}
	return nil
}

func (s *SQLiteStore) AuditTrail(ctx context.Context, threadID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, thread_id, stage, type, attempt, status, detail, at
		 FROM audit_events WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: audit trail %s", threadID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var stage, typ, status string
		if err := rows.Scan(&ev.Seq, &ev.ThreadID, &stage, &typ, &ev.Attempt, &status, &ev.Detail, &ev.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		ev.Stage = model.Stage(stage)
		ev.Type = model.EventType(typ)
		ev.Status = model.ThreadStatus(status)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: audit trail iterate")
}

// helpers

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanThread(row scannable) (*model.Thread, error) {
	var t model.Thread
	var stage, status, escalatedFrom, payloadJSON string

	err := row.Scan(&t.ID, &t.SKUID, &t.BatchID, &stage, &status, &payloadJSON,
		&t.Confidence, &t.Attempts, &escalatedFrom, &t.StatusReason, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan thread")
	}

	t.Stage = model.Stage(stage)
	t.Status = model.ThreadStatus(status)
	t.EscalatedFrom = model.Stage(escalatedFrom)
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal payload")
	}
	return &t, nil
}
