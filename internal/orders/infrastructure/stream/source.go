package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orderdeck/orderdeck/internal/orders/application"
	"github.com/orderdeck/orderdeck/pkg/tracing"
)

// KindHeader carries the event kind on every push-stream message; the
// remote order service stamps it when publishing.
const KindHeader = "event_type"

// KafkaSource adapts a kafka consumer into the engine's push-event
// Source. Each terminal joins with its own group id, so every terminal
// observes the full event stream independently.
type KafkaSource struct {
	log    *slog.Logger
	reader *kafka.Reader
	tracer trace.Tracer
}

func NewKafkaSource(log *slog.Logger, brokers []string, topic, groupID string) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxWait:  500 * time.Millisecond,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &KafkaSource{log: log, reader: r, tracer: otel.Tracer("push-stream")}
}

// Receive blocks for the next message, commits it, and hands back the
// normalised form. Commit failures are logged but not fatal: replaying
// a push event is harmless because store merges are idempotent.
func (s *KafkaSource) Receive(ctx context.Context) (application.Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return application.Message{}, err
	}

	kind := headerValue(m.Headers, KindHeader)
	// Continue the publisher's trace across the broker hop.
	msgCtx, span := s.tracer.Start(tracing.ExtractStreamHeaders(ctx, m.Headers), "stream.receive",
		trace.WithAttributes(attribute.String("event.kind", kind)))
	defer span.End()

	if err := s.reader.CommitMessages(msgCtx, m); err != nil {
		s.log.Debug("commit failed", "err", err)
	}

	return application.Message{
		Kind:    kind,
		Payload: m.Value,
		At:      m.Time,
	}, nil
}

func (s *KafkaSource) Close() error { return s.reader.Close() }

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
