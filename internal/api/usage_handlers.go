package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/STRATINT/eventdesk/internal/inference"
	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/STRATINT/eventdesk/internal/metrics"
	"github.com/STRATINT/eventdesk/internal/models"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

// UsageHandler exposes the AI usage ledger and key pool health.
type UsageHandler struct {
	ledger  *inference.Ledger
	pool    *keypool.Pool
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewUsageHandler(ledger *inference.Ledger, pool *keypool.Pool, collector *metrics.Collector, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		ledger:  ledger,
		pool:    pool,
		metrics: collector,
		logger:  logger,
	}
}

// ListUsage handles GET /api/admin/usage
func (h *UsageHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	query := models.UsageQuery{
		KeyID:  q.Get("key_id"),
		Limit:  defaultUsageLimit,
		Offset: 0,
	}

	if op := q.Get("operation"); op != "" {
		query.Operation = models.Operation(op)
		if !query.Operation.Valid() {
			http.Error(w, "Unknown operation: "+op, http.StatusBadRequest)
			return
		}
	}

	switch q.Get("status") {
	case "":
	case "success":
		ok := true
		query.Success = &ok
	case "failure":
		failed := false
		query.Success = &failed
	default:
		http.Error(w, "status must be success or failure", http.StatusBadRequest)
		return
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			query.Limit = min(limit, maxUsageLimit)
		}
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			query.Offset = offset
		}
	}

	if sinceStr := q.Get("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			query.Since = &since
		}
	}

	entries, err := h.ledger.List(r.Context(), query)
	if err != nil {
		h.logger.Error("failed to list usage entries", "error", err)
		http.Error(w, "Failed to list usage entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.UsageEntry{}
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   query.Limit,
		"offset":  query.Offset,
	})
}

// GetUsageStats handles GET /api/admin/usage/stats
func (h *UsageHandler) GetUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var since *time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		since = &parsed
	}

	stats, err := h.ledger.Stats(r.Context(), since)
	if err != nil {
		h.logger.Error("failed to get usage stats", "error", err)
		http.Error(w, "Failed to get usage stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, stats)
}

// KeyHealthResponse is the body of GET /api/admin/keys/health.
type KeyHealthResponse struct {
	keypool.Health
	Recommendations []keypool.Recommendation `json:"recommendations"`
}

// GetKeyHealth handles GET /api/admin/keys/health. It also refreshes the
// usable-keys gauge.
func (h *UsageHandler) GetKeyHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := h.pool.Health(r.Context())
	for op, n := range health.PerOperation {
		h.metrics.SetUsableKeys(string(op), n)
	}

	writeJSON(w, h.logger, http.StatusOK, KeyHealthResponse{
		Health:          health,
		Recommendations: h.pool.Recommendations(r.Context()),
	})
}
