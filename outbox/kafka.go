package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the slice of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each outbox message to a topic named after its outbox topic.
type KafkaPublisher struct {
	writer      messageWriter
	topicPrefix string
}

// NewKafkaPublisher connects a hash-balanced writer to brokers. Messages keyed by order
// reference land on the same partition.
func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, topicPrefix: topicPrefix}
}

func (p *KafkaPublisher) Publish(ctx context.Context, m Message) error {
	msg := kafka.Message{
		Topic: p.topicPrefix + m.Topic,
		Key:   []byte(m.Key),
		Value: m.Payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(m.ID)},
		},
		Time: m.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("outbox: kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher records messages in the log. It stands in for Kafka when no brokers
// are configured so the outbox still drains.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, m Message) error {
	p.Log.Info().Str("topic", m.Topic).Str("key", m.Key).Str("message_id", m.ID).RawJSON("payload", m.Payload).Msg("outbox message")
	return nil
}
