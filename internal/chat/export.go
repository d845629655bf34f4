package chat

import (
	"context"
	"encoding/json"

	"frutiger-messenger/internal/storage"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Exporter hands broadcast messages to downstream consumers (notifications, search, ...)
type Exporter interface {
	Export(ctx context.Context, m storage.Message) error
	Close() error
}

type nopExporter struct{}

func (nopExporter) Export(context.Context, storage.Message) error { return nil }
func (nopExporter) Close() error                                  { return nil }

// KafkaExporter writes every message to a topic keyed by channel key,
// so one channel always lands in one partition and keeps its order.
type KafkaExporter struct {
	writer *kafka.Writer
}

func NewKafkaExporter(logger *zap.SugaredLogger, brokers []string, topic string) *KafkaExporter {
	return &KafkaExporter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Warnf("Exporting %d messages to kafka failed: %v", len(messages), err)
				}
			},
		},
	}
}

func (e *KafkaExporter) Export(ctx context.Context, m storage.Message) error {
	record, err := exportRecord(m)
	if err != nil {
		return err
	}
	return e.writer.WriteMessages(ctx, record)
}

func (e *KafkaExporter) Close() error {
	return e.writer.Close()
}

func exportRecord(m storage.Message) (kafka.Message, error) {
	value, err := json.Marshal(PayloadOf(m))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(m.ChannelKey),
		Value: value,
		Time:  m.CreatedAt,
	}, nil
}
