// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package handlers contains the built-in demo targets: order, payment,
// inventory, user registration and notification processing.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/ManuGH/eventrelay/internal/bus"
	"github.com/ManuGH/eventrelay/internal/invoke"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/model"
)

// Handler references used by the default topology.
const (
	RefOrderProcessing   = "orderProcessing"
	RefPaymentProcessing = "paymentProcessing"
	RefNotification      = "notification"
	RefInventoryUpdate   = "inventoryUpdate"
	RefUserRegistration  = "userRegistration"
)

// Refs lists the built-in handler references.
func Refs() []string {
	return []string{RefOrderProcessing, RefPaymentProcessing, RefNotification, RefInventoryUpdate, RefUserRegistration}
}

// EnvEventBusName names the bus the order handler re-publishes on.
const EnvEventBusName = "EVENT_BUS_NAME"

// PaymentLimit is the largest amount the payment handler accepts.
const PaymentLimit = 1000

// Publisher is the publish capability handed to chaining handlers.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) (bus.PublishResult, error)
}

// Deps are the collaborators of the built-in handlers.
type Deps struct {
	Publisher Publisher
	Now       func() time.Time
	// Intn returns a pseudo-random int in [0, n); used for order defaults.
	Intn func(n int) int
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Intn == nil {
		d.Intn = rand.IntN
	}
	return d
}

// Register adds every built-in handler to c.
func Register(c *invoke.Catalog, deps Deps) error {
	deps = deps.withDefaults()
	for ref, h := range map[string]invoke.Handler{
		RefOrderProcessing:   &OrderHandler{deps: deps},
		RefPaymentProcessing: invoke.HandlerFunc(paymentHandler(deps)),
		RefNotification:      invoke.HandlerFunc(notificationHandler(deps)),
		RefInventoryUpdate:   invoke.HandlerFunc(inventoryHandler(deps)),
		RefUserRegistration:  invoke.HandlerFunc(userHandler(deps)),
	} {
		if err := c.Register(ref, h); err != nil {
			return fmt.Errorf("register %s: %w", ref, err)
		}
	}
	return nil
}

// OrderHandler processes an order and emits PaymentCompleted for it on the
// bus named by EVENT_BUS_NAME.
type OrderHandler struct {
	deps Deps
}

func (h *OrderHandler) Handle(ctx context.Context, req invoke.Request) (invoke.Response, error) {
	orderID, ok := req.Detail["orderId"]
	if !present(orderID, ok) {
		orderID = h.deps.Intn(10000)
	}
	amount, ok := req.Detail["amount"]
	if !present(amount, ok) {
		amount = h.deps.Intn(500) + 50
	}

	now := h.deps.Now().UTC()
	payment := map[string]any{
		"orderId":   orderID,
		"amount":    amount,
		"paymentId": fmt.Sprintf("pmt-%d", now.UnixMilli()),
		"timestamp": now.Format(time.RFC3339Nano),
	}

	logger := log.WithComponent("handlers.order")
	if h.deps.Publisher == nil {
		logger.Warn().Str("event", "order.no_publisher").Msg("no publisher configured, payment event not emitted")
	} else {
		res, err := h.deps.Publisher.Publish(ctx, model.Event{
			Source:     "custom.payments",
			DetailType: "PaymentCompleted",
			Detail:     payment,
			BusName:    req.Environment[EnvEventBusName],
		})
		if err != nil {
			// The order itself succeeded; a failed emit is reported but not retried.
			logger.Error().Err(err).Str("event", "order.emit_failed").Str(log.FieldEventID, req.EventID).Msg("error sending payment event")
		} else {
			logger.Info().Str("event", "order.emit").Str("payment_event_id", res.EventID).Msg("payment event sent")
		}
	}

	return invoke.Response{
		"message": "Order processed successfully",
		"orderId": orderID,
		"amount":  amount,
	}, nil
}

func paymentHandler(deps Deps) func(context.Context, invoke.Request) (invoke.Response, error) {
	return func(_ context.Context, req invoke.Request) (invoke.Response, error) {
		amount, _ := Number(req.Detail["amount"])
		orderID := valueOr(req.Detail, "orderId", "unknown")

		if amount > PaymentLimit {
			return nil, invoke.NewBusinessError("PaymentLimitExceeded",
				"Payment amount $%s exceeds the maximum allowed amount of $%d", FormatNumber(amount), PaymentLimit)
		}

		paymentID := valueOr(req.Detail, "paymentId", fmt.Sprintf("payment-%d", deps.Now().UnixMilli()))
		return invoke.Response{
			"message":   "Payment processed successfully",
			"orderId":   orderID,
			"amount":    valueOr(req.Detail, "amount", 0),
			"paymentId": paymentID,
		}, nil
	}
}

func notificationHandler(deps Deps) func(context.Context, invoke.Request) (invoke.Response, error) {
	return func(_ context.Context, req invoke.Request) (invoke.Response, error) {
		kind := req.DetailType
		if kind == "" {
			kind = "Unknown"
		}
		source := req.Source
		if source == "" {
			source = "unknown"
		}

		var msg string
		if source == "custom.payments" && kind == "PaymentCompleted" {
			amount, _ := Number(req.Detail["amount"])
			msg = fmt.Sprintf("Payment of $%s for order %v has been processed.",
				FormatNumber(amount), valueOr(req.Detail, "orderId", "unknown"))
		} else {
			msg = fmt.Sprintf("Event received: %s from %s", kind, source)
		}

		logger := log.WithComponent("handlers.notification")
		logger.Info().Str("event", "notification.sent").Str("content", msg).Msg("notification sent")

		return invoke.Response{
			"message":             "Notification sent successfully",
			"notificationContent": msg,
			"timestamp":           deps.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}
}

func inventoryHandler(deps Deps) func(context.Context, invoke.Request) (invoke.Response, error) {
	return func(_ context.Context, req invoke.Request) (invoke.Response, error) {
		return invoke.Response{
			"message":     "Inventory updated successfully",
			"productId":   valueOr(req.Detail, "productId", "unknown"),
			"quantity":    valueOr(req.Detail, "quantity", 0),
			"warehouseId": valueOr(req.Detail, "warehouseId", "main-warehouse"),
			"timestamp":   deps.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}
}

func userHandler(deps Deps) func(context.Context, invoke.Request) (invoke.Response, error) {
	return func(_ context.Context, req invoke.Request) (invoke.Response, error) {
		now := deps.Now().UTC()
		return invoke.Response{
			"message":          "User registered successfully",
			"userId":           valueOr(req.Detail, "userId", fmt.Sprintf("user-%d", now.UnixMilli())),
			"email":            valueOr(req.Detail, "email", "user@example.com"),
			"registrationDate": now.Format(time.RFC3339Nano),
			"status":           "active",
		}, nil
	}
}

// present treats missing, nil, empty-string, zero and false values as absent.
func present(v any, ok bool) bool {
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case bool:
		return t
	}
	if n, isNum := Number(v); isNum {
		return n != 0
	}
	return true
}

func valueOr(detail map[string]any, key string, def any) any {
	v, ok := detail[key]
	if !present(v, ok) {
		return def
	}
	return v
}

// Number converts JSON-ish numeric values to float64. Numeric strings are
// accepted too.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FormatNumber renders 1500 as "1500" and 12.5 as "12.5".
func FormatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
