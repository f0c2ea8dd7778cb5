// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the stream connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen trims the stream approximately; 0 keeps everything.
	MaxLen int64
}

// RedisStream appends entries to a Redis stream, one field "entry" holding
// the JSON document.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream connects and pings the server.
func NewRedisStream(ctx context.Context, cfg RedisConfig) (*RedisStream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisStream(client, cfg.Stream, cfg.MaxLen), nil
}

func newRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = "eventrelay:deadletters"
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Name() string { return "redis" }

func (s *RedisStream) Close() error { return s.client.Close() }

// Ping reports whether the server is reachable.
func (s *RedisStream) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStream) Write(ctx context.Context, e Entry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("deadletter: encode %s: %w", e.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"id": e.ID, "entry": buf},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("deadletter: xadd %s: %w", s.stream, err)
	}
	return nil
}

// List reads the newest entries. A delivery archived twice appears twice.
func (s *RedisStream) List(ctx context.Context, limit int) ([]Entry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(clampLimit(limit))).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: xrevrange %s: %w", s.stream, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := decodeStreamEntry(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Get scans the stream from newest to oldest for id.
func (s *RedisStream) Get(ctx context.Context, id string) (Entry, error) {
	msgs, err := s.client.XRevRange(ctx, s.stream, "+", "-").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("deadletter: xrevrange %s: %w", s.stream, err)
	}
	for _, m := range msgs {
		if m.Values["id"] == id {
			return decodeStreamEntry(m)
		}
	}
	return Entry{}, ErrNotFound
}

func decodeStreamEntry(m redis.XMessage) (Entry, error) {
	var e Entry
	raw, ok := m.Values["entry"].(string)
	if !ok {
		return e, fmt.Errorf("deadletter: stream message %s has no entry", m.ID)
	}
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return e, fmt.Errorf("deadletter: decode %s: %w", m.ID, err)
	}
	return e, nil
}
