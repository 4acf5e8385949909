package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/obsidianstack/relay/server/internal/relay"
)

const (
	kafkaBatchSize  = 100
	kafkaBatchBytes = 1 << 20 // 1MB
)

// KafkaSink writes relay messages to Kafka. The Kafka topic is prefix +
// relay topic; the relay topic is the partition key so one topic stays
// ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaSink creates a synchronous writer for brokers.
func NewKafkaSink(brokers []string, prefix string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker address")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              kafkaBatchSize,
			BatchBytes:             kafkaBatchBytes,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		prefix: prefix,
	}, nil
}

// Send writes m and waits for the broker acknowledgement.
func (k *KafkaSink) Send(ctx context.Context, m relay.Message) error {
	err := k.writer.WriteMessages(ctx, kafkaMessage(k.prefix, m))
	if err == nil {
		return nil
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return fmt.Errorf("%w: kafka: %v", ErrPermanent, err)
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: kafka: %v", ErrPermanent, err)
	}
	return fmt.Errorf("kafka: %w", err)
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func kafkaMessage(prefix string, m relay.Message) kafka.Message {
	return kafka.Message{
		Topic: prefix + m.Topic,
		Key:   []byte(m.Topic),
		Value: m.Payload,
		Time:  m.PublishedAt,
		Headers: []kafka.Header{
			{Key: headerTopic, Value: []byte(m.Topic)},
			{Key: headerSeq, Value: []byte(strconv.FormatUint(m.Seq, 10))},
		},
	}
}
