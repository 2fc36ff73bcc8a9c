package notification

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes settlement events to a Kafka topic for downstream
// consumers (user messaging, analytics).
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier builds a notifier writing to the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Send publishes the event keyed by its external reference.
func (n *KafkaNotifier) Send(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Provider + ":" + event.ExternalRef),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
