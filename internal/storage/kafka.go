package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"vault-watcher/internal/config"
)

// Envelope types.
const (
	EventSample = "vault_watcher.sample"
	EventAlert  = "vault_watcher.alert"
)

// Envelope wraps every Kafka message.
type Envelope struct {
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schema_version"`
	TS            int64           `json:"ts"`
	Data          json.RawMessage `json:"data"`
}

var (
	_ SampleSink = (*KafkaSink)(nil)
	_ AlertSink  = (*KafkaSink)(nil)
)

// KafkaSink publishes samples and alerts keyed by account id, so one account stays on one partition.
type KafkaSink struct {
	topic string
	p     sarama.SyncProducer
}

// NewKafkaSink connects a synchronous producer.
func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = 200 * time.Millisecond
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(cfg.Topic, p), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(topic string, p sarama.SyncProducer) *KafkaSink {
	return &KafkaSink{topic: topic, p: p}
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

// AppendSample publishes a sample envelope.
func (s *KafkaSink) AppendSample(ctx context.Context, rec SampleRecord) error {
	return s.emit(ctx, EventSample, rec.AccountID, rec)
}

// RecordAlert publishes an alert envelope.
func (s *KafkaSink) RecordAlert(ctx context.Context, rec AlertRecord) error {
	return s.emit(ctx, EventAlert, rec.AccountID, rec)
}

func (s *KafkaSink) emit(ctx context.Context, typ, key string, v any) error {
	// SyncProducer takes no context; honour cancellation before sending.
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	b, err := json.Marshal(Envelope{Type: typ, SchemaVersion: "1", TS: time.Now().UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := s.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka emit %s: %w", typ, err)
	}
	return nil
}
