// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/eventrelay/internal/resilience"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSinkWithWriter(w, "deadletters")

	require.NoError(t, s.Write(context.Background(), EntryFrom(failure("evt-7", 0))))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "evt-7", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "paymentProcessingTarget", headers["target-id"])
	assert.Equal(t, "business", headers["error-kind"])

	var e Entry
	require.NoError(t, json.Unmarshal(msg.Value, &e))
	assert.Equal(t, 3, e.Attempts)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestKafkaSinkWrapsWriterError(t *testing.T) {
	s := NewKafkaSinkWithWriter(&fakeWriter{err: errors.New("leader not available")}, "deadletters")
	err := s.Write(context.Background(), EntryFrom(failure("evt-7", 0)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadletters")
}

func TestNewKafkaSinkBuildsWriter(t *testing.T) {
	s := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "deadletters"})
	w, ok := s.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "deadletters", w.Topic)
	assert.NoError(t, s.Close())
}

func TestGuardedSinkFailsFastWhenOpen(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	g := Guard(NewKafkaSinkWithWriter(w, "deadletters"), resilience.New("test.kafka", 2, time.Minute))
	ctx := context.Background()
	e := EntryFrom(failure("evt-8", 0))

	assert.Error(t, g.Write(ctx, e))
	assert.Error(t, g.Write(ctx, e))
	assert.Equal(t, resilience.StateOpen, g.State())

	w.err = nil
	assert.ErrorIs(t, g.Write(ctx, e), resilience.ErrOpen)
	assert.Empty(t, w.msgs)
	assert.Equal(t, "kafka", g.Name())

	require.NoError(t, g.Close())
	assert.True(t, w.closed)
}
