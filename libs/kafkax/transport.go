package kafkax

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
	"github.com/gymflow/gymflow/libs/outbox"
)

// Transport is the Kafka implementation of the outbox broker boundary. The
// hash balancer keys partitions by tenant, which is what makes per-tenant
// ordering best effort rather than guaranteed.
type Transport struct {
	writer *kafka.Writer
}

func NewTransport(brokers string) (*Transport, error) {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &Transport{writer: writer}, nil
}

func (t *Transport) Publish(ctx context.Context, msg outbox.Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return t.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

func (t *Transport) Close() error {
	return t.writer.Close()
}

var _ outbox.Transport = (*Transport)(nil)
