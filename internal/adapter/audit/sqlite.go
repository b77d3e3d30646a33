package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// SQLiteSink writes interaction records to a local SQLite file.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("op=audit.OpenSQLite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=audit.OpenSQLite: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_interactions (
			id           TEXT PRIMARY KEY,
			request_id   TEXT NOT NULL DEFAULT '',
			kind         TEXT NOT NULL,
			language     TEXT NOT NULL,
			intent       TEXT NOT NULL DEFAULT '',
			source       TEXT NOT NULL,
			message_hash TEXT NOT NULL,
			latency_ms   INTEGER NOT NULL,
			cached       INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_interactions_created_at ON chat_interactions(created_at)`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Record implements domain.AuditSink. created_at is stored in unix milliseconds.
func (s *SQLiteSink) Record(ctx context.Context, rec domain.InteractionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_interactions
		(id, request_id, kind, language, intent, source, message_hash, latency_ms, cached, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Kind, string(rec.Language), string(rec.Intent), rec.Source,
		rec.MessageHash, rec.Latency.Milliseconds(), rec.Cached, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("op=audit.sqlite.Record: %w", err)
	}
	return nil
}

// DeleteBefore implements Pruner.
func (s *SQLiteSink) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_interactions WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("op=audit.sqlite.DeleteBefore: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Ping implements Pinger.
func (s *SQLiteSink) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements domain.AuditSink.
func (s *SQLiteSink) Close() error { return s.db.Close() }
