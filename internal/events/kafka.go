package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes each event to a topic. Without a mapping the topic
// is prefix + event type.
//
// The writer is asynchronous: Publish only enqueues, and delivery failures
// are reported by logCompletion. Close flushes pending messages.
type KafkaPublisher struct {
	writer       *kafka.Writer
	prefix       string
	topicByEvent map[string]string
}

func NewKafkaPublisher(brokers []string, prefix string, topicByEvent map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			Async:                  true,
			Completion:             logCompletion,
		},
		prefix:       prefix,
		topicByEvent: topicByEvent,
	}, nil
}

func (p *KafkaPublisher) Topic(eventType string) string {
	if mapped, ok := p.topicByEvent[eventType]; ok && mapped != "" {
		return mapped
	}
	return p.prefix + eventType
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(eventType),
		Key:   []byte(partitionKey),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func logCompletion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range messages {
		slog.Warn("event delivery failed",
			"topic", m.Topic,
			"key", string(m.Key),
			"err", err,
		)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
