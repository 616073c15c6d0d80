package eventmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/metrics"
	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
	"github.com/google/uuid"
)

// Stage names used in results, logs and metrics.
const (
	StageSummarization = "summarization"
	StageMapping       = "mapping"
	StageAggregation   = "aggregation"
	StageMerge         = "merge"
)

const (
	// SingletonConfidence is given to events created for articles no
	// cluster covered.
	SingletonConfidence = 0.5

	// SingleSourceConfidence is given to single-article events on aggregation.
	SingleSourceConfidence = 0.8

	// SingleSourcePrefix starts the summary of single-article events.
	SingleSourcePrefix = "Single-source report: "

	// MissingSummaryPlaceholder replaces an empty aggregated summary.
	MissingSummaryPlaceholder = "Summary unavailable: the source analysis did not return a combined summary for this event."
)

// Invoker runs one templated model call. *gateway.Gateway implements it.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.Request, out any) error
}

// Config holds pipeline tuning.
type Config struct {
	// AggregationDelay is the minimum spacing between aggregation calls.
	AggregationDelay time.Duration

	// MergeWindow is used when RunMerge is given a non-positive window.
	MergeWindow time.Duration

	// MergeMinConfidence is the floor below which merge groups are discarded.
	MergeMinConfidence float64

	// SummarizeBatch caps articles per summarization run.
	SummarizeBatch int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AggregationDelay:   2 * time.Second,
		MergeWindow:        48 * time.Hour,
		MergeMinConfidence: 0.7,
		SummarizeBatch:     50,
	}
}

// RunResult reports one stage run. Message is the human-readable status;
// the counters are for the API and metrics.
type RunResult struct {
	Stage          string        `json:"stage"`
	Message        string        `json:"message"`
	Idle           bool          `json:"idle"`
	Candidates     int           `json:"candidates"`
	EventsCreated  int           `json:"events_created,omitempty"`
	ArticlesMapped int           `json:"articles_mapped,omitempty"`
	Processed      int           `json:"processed,omitempty"`
	GroupsApplied  int           `json:"groups_applied,omitempty"`
	EventsRemoved  int           `json:"events_removed,omitempty"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
}

// Manager runs the event pipeline stages against a store.
// Stages are not safe for overlapping runs of the same stage; callers
// serialize them.
type Manager struct {
	store   storage.Store
	ai      Invoker
	config  Config
	metrics *metrics.Collector
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewManager creates a pipeline manager. collector may be nil.
func NewManager(store storage.Store, ai Invoker, config Config, collector *metrics.Collector, logger *slog.Logger) *Manager {
	if config.MergeMinConfidence <= 0 {
		config.MergeMinConfidence = DefaultConfig().MergeMinConfidence
	}
	if config.MergeWindow <= 0 {
		config.MergeWindow = DefaultConfig().MergeWindow
	}
	if config.SummarizeBatch <= 0 {
		config.SummarizeBatch = DefaultConfig().SummarizeBatch
	}
	return &Manager{
		store:   store,
		ai:      ai,
		config:  config,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

func (m *Manager) begin(stage string) RunResult {
	return RunResult{Stage: stage, StartedAt: m.now()}
}

// finish stamps the duration, records metrics and logs the outcome.
func (m *Manager) finish(result *RunResult, err error) {
	result.Duration = time.Since(result.StartedAt)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case result.Idle:
		outcome = "noop"
	case result.Failed > 0:
		outcome = "partial"
	}
	m.metrics.ObserveStage(result.Stage, outcome, result.Duration)

	attrs := []any{
		"stage", result.Stage,
		"candidates", result.Candidates,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration_ms", result.Duration.Milliseconds(),
	}
	if err != nil {
		m.logger.Error("pipeline stage failed", append(attrs, "failure", failureKind(err), "error", err)...)
		return
	}
	m.logger.Info("pipeline stage finished", append(attrs, "message", result.Message)...)
}

// failureKind classifies an error for logs: a failed provider call, an
// unparseable model reply, or anything else.
func failureKind(err error) string {
	var callErr *gateway.CallError
	var parseErr *gateway.ParseError
	switch {
	case errors.As(err, &callErr):
		return "call_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	default:
		return "other"
	}
}

// GetPipelineStats returns totals across articles, mappings and events.
func (m *Manager) GetPipelineStats(ctx context.Context) (models.PipelineStats, error) {
	repos := m.store.Repos()

	totalArticles, err := repos.Articles.Count(ctx)
	if err != nil {
		return models.PipelineStats{}, fmt.Errorf("failed to count articles: %w", err)
	}

	mapped, err := repos.Mappings.Count(ctx)
	if err != nil {
		return models.PipelineStats{}, fmt.Errorf("failed to count mappings: %w", err)
	}

	totals, err := repos.Events.Totals(ctx)
	if err != nil {
		return models.PipelineStats{}, fmt.Errorf("failed to aggregate events: %w", err)
	}

	issues, err := m.VerifyIntegrity(ctx)
	if err != nil {
		return models.PipelineStats{}, err
	}

	unmapped := totalArticles - mapped
	if unmapped < 0 {
		unmapped = 0
	}

	return models.PipelineStats{
		TotalArticles:    totalArticles,
		MappedArticles:   mapped,
		UnmappedArticles: unmapped,
		TotalEvents:      totals.Total,
		ProcessedEvents:  totals.Processed,
		AvgConfidence:    totals.AvgConfidence,
		AvgArticleCount:  totals.AvgArticleCount,
		CountMismatches:  len(issues),
	}, nil
}

// IntegrityIssue is an event whose stored article count disagrees with its
// live mappings, or mappings that point at a missing event.
type IntegrityIssue struct {
	EventID      string `json:"event_id"`
	ArticleCount int    `json:"article_count"`
	LiveMappings int    `json:"live_mappings"`
	MissingEvent bool   `json:"missing_event,omitempty"`
}

// VerifyIntegrity compares every event's article count with its mappings.
func (m *Manager) VerifyIntegrity(ctx context.Context) ([]IntegrityIssue, error) {
	repos := m.store.Repos()

	counts, err := repos.Mappings.CountByEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings by event: %w", err)
	}

	events, err := repos.Events.List(ctx, models.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	var issues []IntegrityIssue
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		seen[e.ID] = true
		if live := counts[e.ID]; live != e.ArticleCount {
			issues = append(issues, IntegrityIssue{EventID: e.ID, ArticleCount: e.ArticleCount, LiveMappings: live})
		}
	}
	for eventID, live := range counts {
		if !seen[eventID] {
			issues = append(issues, IntegrityIssue{EventID: eventID, LiveMappings: live, MissingEvent: true})
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].EventID < issues[j].EventID })
	return issues, nil
}

// GetEvent returns an event with its member articles for the read side.
func (m *Manager) GetEvent(ctx context.Context, id string) (*models.EventView, error) {
	repos := m.store.Repos()

	event, err := repos.Events.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	articles, err := m.loadMembers(ctx, repos, id)
	if err != nil {
		return nil, err
	}

	return &models.EventView{
		Event:            *event,
		HasDiscrepancies: event.HasDiscrepancies(),
		Articles:         articles,
	}, nil
}

// ListEvents returns events without member articles for the read side.
func (m *Manager) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.EventView, error) {
	events, err := m.store.Repos().Events.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	views := make([]models.EventView, 0, len(events))
	for _, e := range events {
		views = append(views, models.EventView{Event: e, HasDiscrepancies: e.HasDiscrepancies()})
	}
	return views, nil
}

// loadMembers returns the articles mapped to eventID. Mappings whose article
// cannot be found are skipped and logged.
func (m *Manager) loadMembers(ctx context.Context, repos storage.Repositories, eventID string) ([]models.Article, error) {
	mappings, err := repos.Mappings.FindByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}

	articles := make([]models.Article, 0, len(mappings))
	for _, mapping := range mappings {
		article, err := repos.Articles.FindByID(ctx, mapping.ArticleID)
		if err != nil {
			m.logger.Warn("mapped article not found",
				"event_id", eventID,
				"article_id", mapping.ArticleID,
				"error", err)
			continue
		}
		articles = append(articles, *article)
	}
	return articles, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
