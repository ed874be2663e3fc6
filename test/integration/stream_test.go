package integration

import (
	"context"
	"os"
	"testing"
	"time"

	segmentio "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdeck/orderdeck/internal/orders/infrastructure/stream"
	"github.com/orderdeck/orderdeck/pkg/logging"
)

// Requires a local Docker daemon; opt in explicitly.
func TestKafkaSourceRoundTrip(t *testing.T) {
	if os.Getenv("ORDERDECK_INTEGRATION") == "" {
		t.Skip("set ORDERDECK_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	env, err := Setup(ctx)
	require.NoError(t, err)
	defer env.Teardown(ctx)

	const topic = "order.events"
	w := &segmentio.Writer{
		Addr:                   segmentio.TCP(env.Brokers...),
		Topic:                  topic,
		AllowAutoTopicCreation: true,
	}
	defer w.Close()

	payload := []byte(`{"order_id":"ord-1","at":"2025-06-01T12:00:00Z"}`)
	require.NoError(t, w.WriteMessages(ctx, segmentio.Message{
		Key:     []byte("ord-1"),
		Value:   payload,
		Headers: []segmentio.Header{{Key: stream.KindHeader, Value: []byte("order.paid")}},
	}))

	src := stream.NewKafkaSource(logging.New("integration-test"), env.Brokers, topic, "it-consumer")
	defer src.Close()

	recvCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msg, err := src.Receive(recvCtx)
	require.NoError(t, err)

	assert.Equal(t, "order.paid", msg.Kind)
	assert.JSONEq(t, string(payload), string(msg.Payload))
	assert.False(t, msg.At.IsZero())
}
