package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// PgxPool is the subset of pgxpool used by the Postgres sink.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPool creates a traced pgx pool from dsn and checks connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=audit.NewPool: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=audit.NewPool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=audit.NewPool: %w", err)
	}
	return pool, nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS chat_interactions (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	language     TEXT NOT NULL,
	intent       TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL,
	message_hash TEXT NOT NULL,
	latency_ms   BIGINT NOT NULL,
	cached       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_interactions_created_at ON chat_interactions (created_at);
`

// PostgresSink writes interaction records to the chat_interactions table.
type PostgresSink struct{ Pool PgxPool }

// NewPostgresSink constructs a PostgresSink over pool.
func NewPostgresSink(p PgxPool) *PostgresSink { return &PostgresSink{Pool: p} }

// EnsureSchema creates the table and index when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("op=audit.postgres.EnsureSchema: %w", err)
	}
	return nil
}

// Record implements domain.AuditSink.
func (s *PostgresSink) Record(ctx context.Context, rec domain.InteractionRecord) error {
	ctx, span := otel.Tracer("audit.postgres").Start(ctx, "chat_interactions.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "chat_interactions"),
	)
	q := `INSERT INTO chat_interactions (id, request_id, kind, language, intent, source, message_hash, latency_ms, cached, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (id) DO NOTHING`
	_, err := s.Pool.Exec(ctx, q, rec.ID, rec.RequestID, rec.Kind, string(rec.Language), string(rec.Intent),
		rec.Source, rec.MessageHash, rec.Latency.Milliseconds(), rec.Cached, rec.CreatedAt.UTC())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=audit.postgres.Record: %w", err)
	}
	return nil
}

// DeleteBefore implements Pruner.
func (s *PostgresSink) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := otel.Tracer("audit.postgres").Start(ctx, "chat_interactions.DeleteBefore")
	defer span.End()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM chat_interactions WHERE created_at < $1`, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=audit.postgres.DeleteBefore: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close implements domain.AuditSink. The pool is owned by the caller.
func (s *PostgresSink) Close() error { return nil }
