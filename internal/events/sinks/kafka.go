// Package sinks forwards committed trades to external brokers.
package sinks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/vadiminshakov/tradeledger/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes committed trades keyed by account, so one account's trades
// land on one partition and keep their order.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafkaWriter builds a writer that hashes message keys onto partitions.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaSink wraps writer. timeout bounds a single publish; zero means 5s.
func NewKafkaSink(writer MessageWriter, timeout time.Duration) *KafkaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{writer: writer, timeout: timeout}
}

// Handle is an events.Subscriber.
func (s *KafkaSink) Handle(ctx context.Context, rec domain.TradeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal trade")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.AccountID),
		Value: payload,
		Time:  rec.UpdatedAt,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(rec.Status)},
		},
	})
	return errors.Wrapf(err, "publish trade %s to kafka", rec.ID)
}

// Close closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
