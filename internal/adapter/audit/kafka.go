package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/TedBerlin/baguette-metro-sub000/internal/adapter/observability"
	"github.com/TedBerlin/baguette-metro-sub000/internal/domain"
)

// errTopicAlreadyExists is the Kafka protocol error code TOPIC_ALREADY_EXISTS.
const errTopicAlreadyExists = 36

// KafkaSink publishes interaction records as JSON, keyed by record id.
// Records are buffered and acknowledged in the background; each delivery
// outcome is counted under the "kafka" sink label.
type KafkaSink struct {
	client       *kgo.Client
	topic        string
	flushTimeout time.Duration
}

// NewKafkaSink connects to brokers and makes sure topic exists. Extra client
// options are applied after the defaults.
func NewKafkaSink(ctx context.Context, brokers []string, topic string, opts ...kgo.Opt) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=audit.NewKafkaSink: %w: no seed brokers provided", domain.ErrInvalidArgument)
	}
	if topic == "" {
		return nil, fmt.Errorf("op=audit.NewKafkaSink: %w: topic name cannot be empty", domain.ErrInvalidArgument)
	}
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	k := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.MaxBufferedRecords(10_000),
		kgo.RecordDeliveryTimeout(30 * time.Second),
		kgo.DialTimeout(10 * time.Second),
		kgo.WithHooks(k.Hooks()...),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("op=audit.NewKafkaSink: %w", err)
	}
	if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
		// the broker may auto-create topics or deny admin requests
		slog.Warn("failed to create audit topic", slog.String("topic", topic), slog.Any("error", err))
	}
	slog.Info("kafka audit sink ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &KafkaSink{client: client, topic: topic, flushTimeout: 10 * time.Second}, nil
}

// encodeRecord builds the Kafka record for rec.
func encodeRecord(topic string, rec domain.InteractionRecord) (*kgo.Record, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(rec.ID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "source", Value: []byte(rec.Source)},
		},
	}, nil
}

// Record implements domain.AuditSink. It only buffers the record and returns;
// a full buffer drops the record instead of blocking the caller.
func (s *KafkaSink) Record(ctx context.Context, rec domain.InteractionRecord) error {
	r, err := encodeRecord(s.topic, rec)
	if err != nil {
		observability.RecordAudit(SinkKafka, err)
		return fmt.Errorf("op=audit.kafka.Record: %w", err)
	}
	// the reply's deadline must not abort a delivery still in flight
	s.client.TryProduce(context.WithoutCancel(ctx), r, s.delivered)
	return nil
}

// delivered is the produce promise for every record.
func (s *KafkaSink) delivered(r *kgo.Record, err error) {
	observability.RecordAudit(SinkKafka, err)
	if err != nil {
		slog.Warn("audit record not delivered",
			slog.String("topic", r.Topic),
			slog.String("id", string(r.Key)),
			slog.Any("error", err))
	}
}

// Ping implements Pinger.
func (s *KafkaSink) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Close implements domain.AuditSink. Buffered records get up to flushTimeout
// to be acknowledged; whatever is left is failed by the client shutdown.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	if err != nil {
		return fmt.Errorf("op=audit.kafka.Close: %w", err)
	}
	return nil
}

// createTopicIfNotExists issues a CreateTopics request and treats an existing topic as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("%w: partitions and replication factor must be positive", domain.ErrInvalidArgument)
	}
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	for _, tr := range resp.Topics {
		switch tr.ErrorCode {
		case 0:
			slog.Info("topic created", slog.String("topic", tr.Topic), slog.Int("partitions", int(partitions)))
		case errTopicAlreadyExists:
			slog.Debug("topic already exists", slog.String("topic", tr.Topic))
		default:
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
	}
	return nil
}
