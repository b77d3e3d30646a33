package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// recent reads back up to limit records, newest first.
func (s *SQLiteSink) recent(ctx context.Context, limit int) ([]domain.InteractionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, kind, language, intent, source, message_hash, latency_ms, cached, created_at
		FROM chat_interactions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=audit.sqlite.recent: %w", err)
	}
	defer rows.Close()

	var out []domain.InteractionRecord
	for rows.Next() {
		var (
			rec             domain.InteractionRecord
			lang, intent    string
			latencyMs, atMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Kind, &lang, &intent, &rec.Source,
			&rec.MessageHash, &latencyMs, &rec.Cached, &atMs); err != nil {
			return nil, fmt.Errorf("op=audit.sqlite.recent: %w", err)
		}
		rec.Language = domain.Language(lang)
		rec.Intent = domain.Intent(intent)
		rec.Latency = time.Duration(latencyMs) * time.Millisecond
		rec.CreatedAt = time.UnixMilli(atMs).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.sqlite.recent: %w", err)
	}
	return out, nil
}
