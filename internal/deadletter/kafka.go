// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the topic sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink publishes entries to a topic keyed by event id, so all failed
// deliveries of an event land on one partition. It is write-only.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

// NewKafkaSink builds a sink on a kafka-go writer.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(w, cfg.Topic)
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Close() error { return s.writer.Close() }

func (s *KafkaSink) Write(ctx context.Context, e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: encode %s: %w", e.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Key.EventID),
		Value: buf,
		Headers: []kafka.Header{
			{Key: "rule-id", Value: []byte(e.Key.RuleID)},
			{Key: "target-id", Value: []byte(e.Key.TargetID)},
			{Key: "error-kind", Value: []byte(e.ErrorKind)},
		},
		Time: e.FailedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("deadletter: kafka write %s: %w", s.topic, err)
	}
	return nil
}
