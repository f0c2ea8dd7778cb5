// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuGH/eventrelay/internal/deadletter"
	"github.com/ManuGH/eventrelay/internal/log"
	"github.com/ManuGH/eventrelay/internal/model"
	"github.com/go-chi/chi/v5"
)

// PublishRequest mirrors a PutEvents call.
type PublishRequest struct {
	Entries []PublishEntry `json:"entries"`
}

type PublishEntry struct {
	Source     string         `json:"source"`
	DetailType string         `json:"detailType"`
	Detail     map[string]any `json:"detail"`
	BusName    string         `json:"busName"`
}

// PublishResponse reports every entry in request order. Accepted entries
// carry an event id; rejected ones an error code.
type PublishResponse struct {
	FailedEntryCount int                  `json:"failedEntryCount"`
	Entries          []PublishEntryResult `json:"entries"`
}

type PublishEntryResult struct {
	EventID      string                 `json:"eventId,omitempty"`
	PublishedAt  *time.Time             `json:"publishedAt,omitempty"`
	Deliveries   []model.DeliveryKey    `json:"deliveries,omitempty"`
	Records      []model.DeliveryRecord `json:"records,omitempty"`
	ErrorCode    string                 `json:"errorCode,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if n := len(req.Entries); n == 0 || n > MaxBatchEntries {
		writeError(w, http.StatusBadRequest, CodeBadRequest,
			fmt.Sprintf("entries must contain between 1 and %d items, got %d", MaxBatchEntries, n))
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	resp := PublishResponse{Entries: make([]PublishEntryResult, len(req.Entries))}
	for i, e := range req.Entries {
		ev := model.Event{
			Source:     e.Source,
			DetailType: e.DetailType,
			Detail:     NormalizeNumbers(e.Detail),
			BusName:    e.BusName,
		}
		res, err := s.deps.Publisher.Publish(r.Context(), ev)
		if err != nil {
			resp.FailedEntryCount++
			resp.Entries[i] = PublishEntryResult{ErrorCode: classify(err), ErrorMessage: err.Error()}
			logger.Debug().Err(err).Str("event", "api.publish_rejected").Int("entry", i).Msg("entry rejected")
			continue
		}
		at := res.PublishedAt
		resp.Entries[i] = PublishEntryResult{
			EventID:     res.EventID,
			PublishedAt: &at,
			Deliveries:  res.Deliveries,
			Records:     res.Records,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// NormalizeNumbers turns json.Number into int64 when integral, else float64,
// so handlers see plain Go numbers.
func NormalizeNumbers(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return NormalizeNumbers(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	outcomes := s.deps.Deliveries.OutcomesFor(id)
	if len(outcomes) == 0 && len(s.deps.Deliveries.RecordsFor(id)) == 0 {
		writeNotFound(w, "no deliveries tracked for event "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eventId": id, "outcomes": outcomes})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	records := s.deps.Deliveries.RecordsFor(id)
	if len(records) == 0 {
		writeNotFound(w, "no deliveries tracked for event "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eventId": id, "deliveries": records})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "dead-letter store not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": s.deps.DeadLetters.Name(), "entries": entries})
}

// handleDeadLetter looks up one entry by its delivery key
// "<eventId>/<ruleId>/<targetId>".
func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "dead-letter store not configured")
		return
	}
	id := chi.URLParam(r, "*")
	e, err := s.deps.DeadLetters.Get(r.Context(), id)
	if errors.Is(err, deadletter.ErrNotFound) {
		writeNotFound(w, "no dead letter "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type ruleResponse struct {
	Bus     string         `json:"bus"`
	ID      string         `json:"id"`
	Pattern any            `json:"pattern"`
	Targets []model.Target `json:"targets"`
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	views := s.deps.Registry.Snapshot().Describe()
	out := make([]ruleResponse, 0, len(views))
	for _, v := range views {
		var pattern any = "custom"
		if m, ok := v.Rule.Pattern.(json.Marshaler); ok {
			pattern = m
		}
		out = append(out, ruleResponse{Bus: v.Bus, ID: v.Rule.ID, Pattern: pattern, Targets: v.Targets})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.deps.Version,
		"registry":   s.deps.Registry.Snapshot().Stats(),
		"deliveries": s.deps.Deliveries.Counts(),
	})
}
