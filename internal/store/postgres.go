package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/resilience"
)

// Pool abstracts the subset of pgxpool.Pool the store uses, so tests
// can substitute a pgxmock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. The
// initial connect is retried on transient failures.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pool, err := resilience.DoVal(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) (*pgxpool.Pool, error) {
		p, err := pgxpool.NewWithConfig(ctx, pgxCfg)
		if err != nil {
			return nil, resilience.NewTransientError(err, 0)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, resilience.NewTransientError(err, 0)
		}
		return p, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool (tests).
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS threads (
	id             TEXT PRIMARY KEY,
	sku_id         TEXT NOT NULL,
	batch_id       TEXT NOT NULL,
	stage          TEXT NOT NULL,
	status         TEXT NOT NULL,
	payload        JSONB NOT NULL DEFAULT '{}',
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	escalated_from TEXT NOT NULL DEFAULT '',
	status_reason  TEXT NOT NULL DEFAULT '',
	version        BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_active_sku ON threads(sku_id)
	WHERE status IN ('in_progress', 'needs_human_review');

CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
CREATE INDEX IF NOT EXISTS idx_threads_batch ON threads(batch_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id        BIGSERIAL PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id),
	seq       BIGINT NOT NULL,
	stage     TEXT NOT NULL,
	type      TEXT NOT NULL,
	attempt   INTEGER NOT NULL,
	status    TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	at        TIMESTAMPTZ NOT NULL,
	UNIQUE(thread_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_audit_thread ON audit_events(thread_id, seq);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, t *model.Thread) error {
	now := time.Now().UTC()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO threads
		 (id, sku_id, batch_id, stage, status, payload, confidence, attempts, escalated_from, status_reason, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.SKUID, t.BatchID, string(t.Stage), string(t.Status), payloadJSON,
		t.Confidence, t.Attempts, string(t.EscalatedFrom), t.StatusReason, t.Version, now, now,
	)
	if err != nil {
		if isPGUniqueViolation(err) {
			return eris.Wrapf(ErrAlreadyExists, "sku %s", t.SKUID)
		}
		return eris.Wrapf(err, "postgres: insert thread %s", t.ID)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, sku_id, batch_id, stage, status, payload, confidence, attempts, escalated_from, status_reason, version, created_at, updated_at
		 FROM threads WHERE id = $1`, id)
	return scanPGThread(row)
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, t *model.Thread) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET
			stage = $1, status = $2, payload = $3, confidence = $4, attempts = $5,
			escalated_from = $6, status_reason = $7, version = version + 1, updated_at = $8
		 WHERE id = $9 AND version = $10`,
		string(t.Stage), string(t.Status), payloadJSON, t.Confidence, t.Attempts,
		string(t.EscalatedFrom), t.StatusReason, now,
		t.ID, t.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: cas thread %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(1) FROM threads WHERE id = $1`, t.ID).Scan(&exists); err != nil {
			return eris.Wrapf(err, "postgres: cas recheck %s", t.ID)
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

func (s *PostgresStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]model.Thread, error) {
	query := `SELECT id, sku_id, batch_id, stage, status, payload, confidence, attempts, escalated_from, status_reason, version, created_at, updated_at
		FROM threads WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ` + arg(filter.BatchID)
	}
	if filter.SKUID != "" {
		query += ` AND sku_id = ` + arg(filter.SKUID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list threads")
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		t, err := scanPGThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, eris.Wrap(rows.Err(), "postgres: list threads iterate")
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.ThreadStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(1) FROM threads GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ThreadStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.ThreadStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count iterate")
}

func (s *PostgresStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO audit_events (thread_id, seq, stage, type, attempt, status, detail, at)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events WHERE thread_id = $1), $2, $3, $4, $5, $6, $7)
		 RETURNING seq`,
		ev.ThreadID, string(ev.Stage), string(ev.Type), ev.Attempt, string(ev.Status), ev.Detail, ev.At,
	)
	if err := row.Scan(&ev.Seq); err != nil {
		return eris.Wrapf(err, "postgres: append audit for %s", ev.ThreadID)
	}
	return nil
}

func (s *PostgresStore) AuditTrail(ctx context.Context, threadID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, thread_id, stage, type, attempt, status, detail, at
		 FROM audit_events WHERE thread_id = $1 ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: audit trail %s", threadID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var stage, typ, status string
		if err := rows.Scan(&ev.Seq, &ev.ThreadID, &stage, &typ, &ev.Attempt, &status, &ev.Detail, &ev.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		ev.Stage = model.Stage(stage)
		ev.Type = model.EventType(typ)
		ev.Status = model.ThreadStatus(status)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: audit trail iterate")
}

// helpers

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPGThread(row pgx.Row) (*model.Thread, error) {
	var t model.Thread
	var stage, status, escalatedFrom string
	var payloadJSON []byte

	err := row.Scan(&t.ID, &t.SKUID, &t.BatchID, &stage, &status, &payloadJSON,
		&t.Confidence, &t.Attempts, &escalatedFrom, &t.StatusReason, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan thread")
	}

	t.Stage = model.Stage(stage)
	t.Status = model.ThreadStatus(status)
	t.EscalatedFrom = model.Stage(escalatedFrom)
	if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal payload")
	}
	return &t, nil
}

