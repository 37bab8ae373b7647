package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tubesync/tubesync/internal/logging"
)

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// CreateTopic creates Topic on start when it does not exist.
	CreateTopic       bool
	Partitions        int32
	ReplicationFactor int16
}

// KafkaSink produces events to a Kafka topic keyed by room, so every event
// for a room lands on the same partition in order.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger *logging.Logger
}

// NewKafkaSink connects a producer and optionally ensures the topic exists.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig, logger *logging.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: kafka topic is required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("events: kafka client: %w", err)
	}

	s := &KafkaSink{client: client, topic: cfg.Topic, logger: logger.Named("events.kafka")}
	if cfg.CreateTopic {
		if err := s.ensureTopic(ctx, cfg); err != nil {
			client.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *KafkaSink) ensureTopic(ctx context.Context, cfg KafkaConfig) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}

	adm := kadm.NewClient(s.client)
	resp, err := adm.CreateTopics(ctx, partitions, rf, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("events: create topic %s: %w", cfg.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("events: create topic %s: %w", r.Topic, r.Err)
		}
	}
	s.logger.Infof("event topic ready", map[string]any{"topic": cfg.Topic, "partitions": partitions})
	return nil
}

// Publish produces e asynchronously. Failures are logged.
func (s *KafkaSink) Publish(ctx context.Context, e Event) {
	value, err := Encode(e)
	if err != nil {
		s.logger.Warnf("encode event failed", map[string]any{"error": err.Error()})
		return
	}
	record := &kgo.Record{
		Key:   []byte(e.Room),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}
	s.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			s.logger.Warnf("produce event failed", map[string]any{
				"topic": r.Topic,
				"room":  string(r.Key),
				"error": err.Error(),
			})
		}
	})
}

// Close flushes buffered events for up to five seconds and closes the
// client.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
