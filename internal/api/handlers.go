package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/STRATINT/eventdesk/internal/eventmanager"
	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Handler serves the public read side: events and pipeline statistics.
type Handler struct {
	manager   *eventmanager.Manager
	logger    *slog.Logger
	startTime time.Time
}

func NewHandler(manager *eventmanager.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		logger:    logger,
		startTime: time.Now(),
	}
}

// EventsResponse is the body of GET /api/events.
type EventsResponse struct {
	Events []models.EventView `json:"events"`
	Count  int                `json:"count"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// GetEventsHandler handles GET /api/events
func (h *Handler) GetEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := parseEventFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.manager.ListEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list events", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, EventsResponse{
		Events: events,
		Count:  len(events),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// GetEventByIDHandler handles GET /api/events/:id
func (h *Handler) GetEventByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
	if eventID == "" || strings.Contains(eventID, "/") {
		http.Error(w, "Event ID required", http.StatusBadRequest)
		return
	}

	event, err := h.manager.GetEvent(r.Context(), eventID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get event by ID", "event_id", eventID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, event)
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	models.PipelineStats
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// GetStatsHandler handles GET /api/stats
func (h *Handler) GetStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.manager.GetPipelineStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get pipeline stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, StatsResponse{
		PipelineStats: stats,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

func parseEventFilter(r *http.Request) (models.EventFilter, error) {
	q := r.URL.Query()
	filter := models.EventFilter{Limit: defaultEventLimit}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return filter, ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		if limit > maxEventLimit {
			limit = maxEventLimit
		}
		filter.Limit = limit
	}

	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, ValidationError{Field: "offset", Message: "must be a non-negative integer"}
		}
		filter.Offset = offset
	}

	if v := q.Get("processed"); v != "" {
		processed, err := strconv.ParseBool(v)
		if err != nil {
			return filter, ValidationError{Field: "processed", Message: "must be true or false"}
		}
		filter.Processed = &processed
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, ValidationError{Field: "since", Message: "must be an RFC3339 timestamp"}
		}
		filter.Since = &since
	}

	return filter, nil
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
