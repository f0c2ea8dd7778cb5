// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		ListenAddr:      "127.0.0.1:0",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func TestNewManagerRequiresHandler(t *testing.T) {
	_, err := NewManager(testServerConfig(), nil)
	assert.ErrorIs(t, err, ErrMissingHandler)
}

func TestShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(testServerConfig(), okHandler())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestManagerServesAndRunsHooksInReverse(t *testing.T) {
	m, err := NewManager(testServerConfig(), okHandler())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.RegisterShutdownHook("first", record("first"))
	m.RegisterShutdownHook("second", record("second"))
	m.RegisterShutdownHook("broken", func(context.Context) error { return errors.New("boom") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	addr := m.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken: boom")
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestManagerStartTwice(t *testing.T) {
	m, err := NewManager(testServerConfig(), okHandler())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	_ = m.Addr()

	assert.Error(t, m.Start(ctx))
	cancel()
	require.NoError(t, <-done)
}

func TestListenFailureRunsHooks(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testServerConfig()
	cfg.ListenAddr = busy.Addr().String()
	m, err := NewManager(cfg, okHandler())
	require.NoError(t, err)

	closed := false
	m.RegisterShutdownHook("store", func(context.Context) error {
		closed = true
		return nil
	})

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, closed)
	assert.Empty(t, m.Addr())
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server = testServerConfig()
	cfg.Log.Level = "error"
	cfg.Telemetry.Enabled = false
	return cfg
}

func TestBuildWithDefaults(t *testing.T) {
	ctx := context.Background()
	rt, err := Build(ctx, testConfig(t), config.NewLoader(""), "test")
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	assert.Equal(t, "memory", rt.Archive.Name())
	assert.False(t, rt.DurableArchive, "memory archive keeps exhausted records in the tracker")
	assert.NotEmpty(t, rt.Catalog.Refs())

	res, err := rt.Bus.Publish(ctx, model.Event{
		Source:     "custom.users",
		DetailType: "UserRegistered",
		BusName:    config.DefaultBusName,
		Detail:     map[string]any{"userId": "u-1", "email": "u1@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 1)

	assert.Equal(t, bus.ModeAsync, rt.Bus.Settings().Mode)
	assert.Empty(t, res.Records)
	require.Eventually(t, func() bool {
		records := rt.Tracker.RecordsFor(res.EventID)
		return len(records) == 1 && records[0].State == model.DeliverySucceeded
	}, 2*time.Second, 5*time.Millisecond)

	health := rt.Health.Health(ctx, true)
	assert.Contains(t, health.Checks, "registry")
	assert.Contains(t, health.Checks, "deadletter_backlog")
}

func TestBuildReloadAppliesRetryPolicy(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := testConfig(t)
	require.NoError(t, config.WriteFile(path, cfg, false))

	rt, err := Build(ctx, cfg, config.NewLoader(path), "test")
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	next := cfg
	next.Delivery.Retry.MaxAttempts = 5
	require.NoError(t, config.WriteFile(path, next, true))
	require.NoError(t, rt.Config.Reload(ctx))

	assert.Equal(t, 5, rt.Tracker.Policy().MaxAttempts)
}

func TestBuildSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.DeadLetter.Backend = "sqlite"
	cfg.DeadLetter.Path = filepath.Join(t.TempDir(), "deadletters.db")

	rt, err := Build(ctx, cfg, config.NewLoader(""), "test")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", rt.Archive.Name())
	assert.True(t, rt.DurableArchive)
	assert.Contains(t, rt.Health.Health(ctx, true).Checks, "deadletter_sqlite")
	require.NoError(t, rt.Close(ctx))
}

func TestBuildUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter.Backend = "tape"
	_, err := Build(context.Background(), cfg, config.NewLoader(""), "test")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestAppRunServesAPI(t *testing.T) {
	rt, err := Build(context.Background(), testConfig(t), config.NewLoader(""), "test")
	require.NoError(t, err)
	app, err := NewApp(rt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	resp, err := http.Get("http://" + app.Manager.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestBuildWithSecondarySinks(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.DeadLetter.Redis.Enabled = true
	cfg.DeadLetter.Redis.Addr = mr.Addr()
	cfg.DeadLetter.Kafka.Enabled = true
	cfg.DeadLetter.Kafka.Brokers = []string{"127.0.0.1:1"}

	rt, err := Build(ctx, cfg, config.NewLoader(""), "test")
	require.NoError(t, err)
	defer func() { _ = rt.Close(ctx) }()

	assert.Equal(t, "memory+redis+kafka", rt.Archive.Name())
	checks := rt.Health.Health(ctx, true).Checks
	assert.Contains(t, checks, "deadletter_redis")
	assert.Contains(t, checks, "deadletter_kafka")
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter.Redis.Enabled = true
	cfg.DeadLetter.Redis.Addr = "127.0.0.1:1"

	_, err := Build(context.Background(), cfg, config.NewLoader(""), "test")
	assert.Error(t, err)
}
