// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package deadletter

import (
	"context"
	"sync"

	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/metrics"
)

// MemoryStore keeps the most recent entries in process memory. It is not
// durable; entries past capacity are dropped oldest first and counted in
// eventrelay_dead_letters_evicted_total.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	entries  map[string]Entry
}

// NewMemoryStore keeps up to capacity entries, evicting the oldest.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{capacity: capacity, entries: make(map[string]Entry)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	if _, exists := s.entries[e.ID]; !exists {
		s.order = append(s.order, e.ID)
	}
	s.entries[e.ID] = e
	var evicted []Entry
	for len(s.order) > s.capacity {
		evicted = append(evicted, s.entries[s.order[0]])
		delete(s.entries, s.order[0])
		s.order = s.order[1:]
	}
	s.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	metrics.IncDeadLetterEvicted(s.Name(), len(evicted))
	logger := log.WithComponent("deadletter")
	for _, old := range evicted {
		logger.Warn().
			Str("event", "deadletter.evicted").
			Str(log.FieldEventID, old.Key.EventID).
			Str(log.FieldRuleID, old.Key.RuleID).
			Str(log.FieldTargetID, old.Key.TargetID).
			Int("capacity", s.capacity).
			Msg("memory dead-letter store full, oldest entry dropped")
	}
	return nil
}

// List returns the newest entries first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[s.order[i]])
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Len is the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
