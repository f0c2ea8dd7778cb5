// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"

	"github.com/ManuGH/eventrelay/internal/model"
)

// Handle tracks the deliveries started for one event.
type Handle struct {
	keys    []model.DeliveryKey
	done    chan struct{}
	records []model.DeliveryRecord
}

// Keys lists the deliveries in route order.
func (h *Handle) Keys() []model.DeliveryKey {
	return append([]model.DeliveryKey(nil), h.keys...)
}

// Done is closed once every delivery is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until every delivery is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) ([]model.DeliveryRecord, error) {
	select {
	case <-h.done:
		return h.Records(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Records returns the final records, in route order. It is nil until Done
// is closed.
func (h *Handle) Records() []model.DeliveryRecord {
	select {
	case <-h.done:
		return append([]model.DeliveryRecord(nil), h.records...)
	default:
		return nil
	}
}
