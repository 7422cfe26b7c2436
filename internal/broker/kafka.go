package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backer-import/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, topic)
}

func newProducer(writer messageWriter, topic string) *Producer {
	return &Producer{
		writer: writer,
		topic:  topic,
		logger: util.GetLogger(),
	}
}

// PublishEvent publishes an event to Kafka. Events with the same key land on the same partition.
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}

	err = p.writer.WriteMessages(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("topic", p.topic),
		zap.String("key", key),
		zap.String("type", fmt.Sprintf("%T", event)),
	)
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
