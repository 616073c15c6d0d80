package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/STRATINT/eventdesk/internal/eventmanager"
	"github.com/STRATINT/eventdesk/internal/scheduler"
)

// PipelineRunner serializes stage runs. *scheduler.PipelineScheduler
// implements it.
type PipelineRunner interface {
	TryRun(ctx context.Context, fn func(ctx context.Context) (eventmanager.RunResult, error)) (eventmanager.RunResult, error)
	TryRunPass(ctx context.Context, pass string) ([]eventmanager.RunResult, error)
}

// PipelineHandler triggers pipeline stages on demand.
type PipelineHandler struct {
	manager          *eventmanager.Manager
	runner           PipelineRunner
	mergeWindowHours int
	logger           *slog.Logger
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(manager *eventmanager.Manager, runner PipelineRunner, mergeWindowHours int, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{
		manager:          manager,
		runner:           runner,
		mergeWindowHours: mergeWindowHours,
		logger:           logger,
	}
}

// HandlePipeline routes /api/admin/pipeline/{stage}.
//
//	POST summarize?limit=N
//	POST map
//	POST aggregate
//	POST merge?window_hours=N
//	POST run?pass=full|light
//	GET  integrity
func (h *PipelineHandler) HandlePipeline(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/pipeline/"), "/")

	if action == "integrity" {
		h.getIntegrity(w, r)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Runs outlive a dropped client; every stage leaves consistent state.
	ctx := context.WithoutCancel(r.Context())
	q := r.URL.Query()

	var stage func(ctx context.Context) (eventmanager.RunResult, error)
	switch action {
	case "summarize":
		limit := 0
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		stage = func(ctx context.Context) (eventmanager.RunResult, error) {
			return h.manager.RunSummarization(ctx, limit)
		}
	case "map":
		stage = h.manager.RunEventMapping
	case "aggregate":
		stage = h.manager.RunAggregation
	case "merge":
		window := h.mergeWindowHours
		if v := q.Get("window_hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "window_hours must be a positive integer", http.StatusBadRequest)
				return
			}
			window = n
		}
		stage = func(ctx context.Context) (eventmanager.RunResult, error) {
			return h.manager.RunMerge(ctx, window)
		}
	case "run":
		h.runPass(ctx, w, q.Get("pass"))
		return
	default:
		http.Error(w, "Unknown pipeline stage: "+action, http.StatusNotFound)
		return
	}

	result, err := h.runner.TryRun(ctx, stage)
	if errors.Is(err, scheduler.ErrBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("pipeline stage failed", "stage", action, "error", err)
		writeJSON(w, h.logger, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	writeJSON(w, h.logger, http.StatusOK, result)
}

func (h *PipelineHandler) runPass(ctx context.Context, w http.ResponseWriter, pass string) {
	if pass == "" {
		pass = scheduler.PassFull
	}
	if pass != scheduler.PassFull && pass != scheduler.PassLight {
		http.Error(w, "pass must be full or light", http.StatusBadRequest)
		return
	}

	results, err := h.runner.TryRunPass(ctx, pass)
	if errors.Is(err, scheduler.ErrBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	status := http.StatusOK
	body := map[string]any{"pass": pass, "results": results}
	if err != nil {
		h.logger.Error("pipeline pass failed", "pass", pass, "error", err)
		status = http.StatusInternalServerError
		body["error"] = err.Error()
	}
	writeJSON(w, h.logger, status, body)
}

func (h *PipelineHandler) getIntegrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issues, err := h.manager.VerifyIntegrity(r.Context())
	if err != nil {
		h.logger.Error("failed to verify integrity", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if issues == nil {
		issues = []eventmanager.IntegrityIssue{}
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]any{
		"ok":     len(issues) == 0,
		"issues": issues,
	})
}
