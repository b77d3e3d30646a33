// Package audit persists one record per answered chat or advice request.
//
// Records carry a hash of the user's message, never the message itself.
// Postgres and SQLite sinks support retention cleanup; the Kafka sink
// publishes records for downstream consumers.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/config"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// Sink names accepted by AUDIT_SINK.
const (
	SinkNone     = "none"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
	SinkKafka    = "kafka"
)

// Pruner deletes records created before a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pinger reports whether the sink's backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handle is an opened sink. Pruner and Pinger are nil when the backend has no such notion.
type Handle struct {
	Name   string
	Sink   domain.AuditSink
	Pruner Pruner
	Pinger Pinger
}

// Open builds the sink selected by cfg.AuditSink. A "none" sink yields a nil Sink.
func Open(ctx context.Context, cfg config.Config) (Handle, error) {
	switch cfg.AuditSink {
	case "", SinkNone:
		return Handle{Name: SinkNone}, nil
	case SinkPostgres:
		pool, err := NewPool(ctx, cfg.DBURL)
		if err != nil {
			return Handle{}, fmt.Errorf("op=audit.Open: %w", err)
		}
		s := NewPostgresSink(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return Handle{}, fmt.Errorf("op=audit.Open: %w", err)
		}
		return Handle{Name: SinkPostgres, Sink: Instrument(SinkPostgres, closer{s, pool.Close}), Pruner: s, Pinger: pool}, nil
	case SinkSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return Handle{}, fmt.Errorf("op=audit.Open: %w", err)
		}
		return Handle{Name: SinkSQLite, Sink: Instrument(SinkSQLite, s), Pruner: s, Pinger: s}, nil
	case SinkKafka:
		s, err := NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		if err != nil {
			return Handle{}, fmt.Errorf("op=audit.Open: %w", err)
		}
		// deliveries are counted by the sink's own produce promise
		return Handle{Name: SinkKafka, Sink: s, Pinger: s}, nil
	default:
		return Handle{}, fmt.Errorf("op=audit.Open: %w: unknown audit sink %q", domain.ErrInvalidArgument, cfg.AuditSink)
	}
}

// closer attaches a pool shutdown to a sink that does not own its pool.
type closer struct {
	domain.AuditSink
	close func()
}

func (c closer) Close() error {
	err := c.AuditSink.Close()
	c.close()
	return err
}

// Instrument counts every record written through sink by outcome.
func Instrument(name string, sink domain.AuditSink) domain.AuditSink {
	return instrumented{name: name, sink: sink}
}

type instrumented struct {
	name string
	sink domain.AuditSink
}

func (i instrumented) Record(ctx context.Context, rec domain.InteractionRecord) error {
	err := i.sink.Record(ctx, rec)
	observability.RecordAudit(i.name, err)
	if err != nil {
		slog.Debug("audit record rejected", slog.String("sink", i.name), slog.String("id", rec.ID), slog.Any("error", err))
	}
	return err
}

func (i instrumented) Close() error { return i.sink.Close() }
