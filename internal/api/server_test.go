// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/config"
	"github.com/ManuGH/eventrelay/internal/deadletter"
	"github.com/ManuGH/eventrelay/internal/delivery"
	"github.com/ManuGH/eventrelay/internal/dispatch"
	"github.com/ManuGH/eventrelay/internal/handlers"
	"github.com/ManuGH/eventrelay/internal/health"
	"github.com/ManuGH/eventrelay/internal/invoke"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server  *httptest.Server
	tracker *delivery.Tracker
	store   *deadletter.MemoryStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg, err := config.BuildRegistry(config.Default().Buses)
	require.NoError(t, err)

	store := deadletter.NewMemoryStore(100)
	catalog := invoke.NewCatalog()
	tracker := delivery.NewTracker(delivery.DefaultRetryPolicy())
	d := dispatch.New(reg, invoke.NewInvoker(catalog, invoke.WithTimeout(time.Second)), tracker,
		dispatch.WithArchiver(deadletter.NewArchiver(store)),
		dispatch.WithWaiter(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	b := bus.New(d, bus.Settings{Mode: bus.ModeSync})
	require.NoError(t, handlers.Register(catalog, handlers.Deps{Publisher: b.Emitter()}))

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewRegistryChecker(reg))

	srv := New(cfg, Deps{
		Publisher:   b,
		Deliveries:  tracker,
		Registry:    reg,
		DeadLetters: store,
		Health:      hm,
		Version:     "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return &fixture{server: ts, tracker: tracker, store: store}
}

func (f *fixture) publish(t *testing.T, body string) (int, PublishResponse) {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/api/v1/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out PublishResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func paymentEntry(amount int) string {
	return fmt.Sprintf(`{"source":"custom.payments","detailType":"PaymentCompleted","busName":"demo-event-bus","detail":{"orderId":"42","amount":%d}}`, amount)
}

func TestPublishBatchMixesAcceptedAndRejected(t *testing.T) {
	f := newFixture(t, Config{})
	code, resp := f.publish(t, `{"entries":[`+paymentEntry(200)+`,{"source":"custom.payments","busName":"demo-event-bus"},{"source":"s","detailType":"k","busName":"nope"}]}`)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Entries, 3)
	assert.Equal(t, 2, resp.FailedEntryCount)

	ok := resp.Entries[0]
	require.NotEmpty(t, ok.EventID)
	assert.Len(t, ok.Deliveries, 2)
	for _, rec := range ok.Records {
		assert.Equal(t, model.DeliverySucceeded, rec.State)
	}
	assert.Equal(t, CodeValidation, resp.Entries[1].ErrorCode)
	assert.Equal(t, CodeValidation, resp.Entries[2].ErrorCode)
}

func TestPublishRejectsBadBatches(t *testing.T) {
	f := newFixture(t, Config{})

	code, _ := f.publish(t, `{"entries":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	entries := make([]string, MaxBatchEntries+1)
	for i := range entries {
		entries[i] = paymentEntry(1)
	}
	code, _ = f.publish(t, `{"entries":[`+strings.Join(entries, ",")+`]}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.publish(t, `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOutcomesAndDeadLettersForLargePayment(t *testing.T) {
	f := newFixture(t, Config{})
	code, resp := f.publish(t, `{"entries":[`+paymentEntry(1500)+`]}`)
	require.Equal(t, http.StatusOK, code)
	id := resp.Entries[0].EventID
	require.NotEmpty(t, id)

	var outcomes struct {
		Outcomes []model.InvocationOutcome `json:"outcomes"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/events/"+id+"/outcomes", &outcomes))
	var failed, succeeded int
	for _, o := range outcomes.Outcomes {
		switch o.Status {
		case model.StatusFailed:
			failed++
			assert.Equal(t, model.ErrorKindBusiness, o.ErrorKind)
		case model.StatusSuccess:
			succeeded++
		}
	}
	assert.Equal(t, 3, failed, "payment target retried to exhaustion")
	assert.Equal(t, 1, succeeded, "notification target unaffected")

	var deliveries struct {
		Deliveries []model.DeliveryRecord `json:"deliveries"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/events/"+id+"/deliveries", &deliveries))
	assert.Len(t, deliveries.Deliveries, 2)

	var dl struct {
		Store   string             `json:"store"`
		Entries []deadletter.Entry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/deadletters", &dl))
	assert.Equal(t, "memory", dl.Store)
	require.Len(t, dl.Entries, 1)
	assert.Equal(t, "paymentProcessingTarget", dl.Entries[0].Key.TargetID)

	var one deadletter.Entry
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/deadletters/"+dl.Entries[0].ID, &one))
	assert.Equal(t, 3, one.Attempts)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/deadletters/nope/a/b", nil))
}

func TestUnknownEventIs404(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/events/missing/outcomes", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/events/missing/deliveries", nil))
}

func TestDeadLetterLimitValidation(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/deadletters?limit=abc", nil))
	assert.Equal(t, http.StatusOK, f.get(t, "/api/v1/deadletters?limit=5", nil))
}

func TestRulesListing(t *testing.T) {
	f := newFixture(t, Config{})
	var body struct {
		Rules []struct {
			Bus     string          `json:"bus"`
			ID      string          `json:"id"`
			Pattern json.RawMessage `json:"pattern"`
			Targets []model.Target  `json:"targets"`
		} `json:"rules"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/rules", &body))
	require.Len(t, body.Rules, 4)
	assert.Equal(t, "paymentCompletedRule", body.Rules[1].ID)
	assert.JSONEq(t, `{"source":["custom.payments"],"detail-type":["PaymentCompleted"]}`, string(body.Rules[1].Pattern))
	assert.Len(t, body.Rules[1].Targets, 2)
}

func TestStatusHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	f.publish(t, `{"entries":[`+paymentEntry(10)+`]}`)

	var status map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/status", &status))
	assert.Equal(t, "test", status["version"])

	assert.Equal(t, http.StatusOK, f.get(t, "/healthz", nil))
	assert.Equal(t, http.StatusOK, f.get(t, "/readyz", nil))

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "eventrelay_events_published_total")
}

func TestPublishRateLimited(t *testing.T) {
	f := newFixture(t, Config{RequestsPerMinute: 1})
	code, _ := f.publish(t, `{"entries":[`+paymentEntry(10)+`]}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.publish(t, `{"entries":[`+paymentEntry(10)+`]}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestNormalizeNumbers(t *testing.T) {
	in := map[string]any{
		"amount": json.Number("1500"),
		"price":  json.Number("9.99"),
		"items":  []any{map[string]any{"quantity": json.Number("2")}},
	}
	out := NormalizeNumbers(in)
	assert.Equal(t, int64(1500), out["amount"])
	assert.Equal(t, 9.99, out["price"])
	assert.Equal(t, int64(2), out["items"].([]any)[0].(map[string]any)["quantity"])
}
