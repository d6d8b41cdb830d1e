package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"crypsync/internal/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const flushTimeoutMs = 5000

// KafkaSink produces event envelopes to a Kafka topic, keyed by user.
type KafkaSink struct {
	producer *kafka.Producer
	topic    string
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewKafkaSink(brokers, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	s := &KafkaSink{
		producer: p,
		topic:    topic,
		logger:   logger.With(slog.String("component", "kafka_sink")),
	}

	// Delivery reports arrive asynchronously; failures are only logged.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for e := range p.Events() {
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				s.logger.Warn("Kafka delivery failed", slog.Any("error", m.TopicPartition.Error))
			}
		}
	}()

	return s, nil
}

func (s *KafkaSink) AlertTriggered(ctx context.Context, ev domain.TriggerEvent) {
	s.produce(AlertEnvelope(ev))
}

func (s *KafkaSink) TransactionCompleted(ctx context.Context, tx domain.Transaction) {
	s.produce(TradeEnvelope(tx))
}

func (s *KafkaSink) produce(env Envelope) {
	msg, err := kafkaMessage(s.topic, env)
	if err != nil {
		s.logger.Warn("Failed to encode event", slog.Any("error", err))
		return
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		s.logger.Warn("Failed to produce event",
			slog.String("topic", s.topic),
			slog.String("type", env.Type),
			slog.Any("error", err),
		)
	}
}

// Close flushes pending messages and stops the producer.
func (s *KafkaSink) Close() {
	if n := s.producer.Flush(flushTimeoutMs); n > 0 {
		s.logger.Warn("Kafka messages left unflushed", slog.Int("count", n))
	}
	s.producer.Close()
	s.wg.Wait()
}

func kafkaMessage(topic string, env Envelope) (*kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(env.UserID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "type", Value: []byte(env.Type)}},
	}, nil
}
