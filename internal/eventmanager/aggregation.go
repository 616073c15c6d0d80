package eventmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/models"
	"golang.org/x/time/rate"
)

// aggregateArticle is the full article form sent to the aggregation call.
type aggregateArticle struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Title       string `json:"title"`
	Summary     string `json:"summary,omitempty"`
	Content     string `json:"content"`
	PublishedAt string `json:"publishedAt,omitempty"`
	URL         string `json:"url,omitempty"`
}

// errNotEligible marks events that cannot be aggregated in their current state.
var errNotEligible = errors.New("event not eligible for aggregation")

// RunAggregation writes a cross-source summary and discrepancy report for
// every unprocessed event. Single-article events are summarized without a
// model call. A failing event stays unprocessed and the run moves on.
func (m *Manager) RunAggregation(ctx context.Context) (result RunResult, err error) {
	result = m.begin(StageAggregation)
	defer func() { m.finish(&result, err) }()

	events, err := m.store.Repos().Events.FindUnprocessed(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to find unprocessed events: %w", err)
	}

	result.Candidates = len(events)
	if len(events) == 0 {
		result.Idle = true
		result.Message = "nothing to do: no unprocessed events"
		return result, nil
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if m.config.AggregationDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(m.config.AggregationDelay), 1)
	}

	for _, event := range events {
		err := m.aggregateEvent(ctx, limiter, event)
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, errNotEligible):
			result.Skipped++
			m.logger.Warn("skipping event", "event_id", event.ID, "reason", err)
		case ctx.Err() != nil:
			result.Failed++
			result.Message = fmt.Sprintf("interrupted: processed %d, skipped %d, failed %d of %d events",
				result.Processed, result.Skipped, result.Failed, len(events))
			return result, ctx.Err()
		default:
			result.Failed++
			m.logger.Error("failed to aggregate event", "event_id", event.ID, "failure", failureKind(err), "error", err)
		}
	}

	result.Message = fmt.Sprintf("processed %d, skipped %d, failed %d of %d events",
		result.Processed, result.Skipped, result.Failed, len(events))
	return result, nil
}

func (m *Manager) aggregateEvent(ctx context.Context, limiter *rate.Limiter, event models.Event) error {
	repos := m.store.Repos()

	if event.ArticleCount < 1 {
		return fmt.Errorf("%w: article count %d", errNotEligible, event.ArticleCount)
	}

	members, err := m.loadMembers(ctx, repos, event.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return fmt.Errorf("%w: no member articles found", errNotEligible)
	}

	if event.ArticleCount == 1 {
		summary := SingleSourcePrefix + members[0].SummaryOrTitle()
		sentinel := models.NoDiscrepancySentinel
		event.AggregatedSummary = &summary
		event.Discrepancies = &sentinel
		event.ConfidenceScore = SingleSourceConfidence
		event.IsProcessed = true
		return repos.Events.Save(ctx, event)
	}

	compact := make([]aggregateArticle, 0, len(members))
	for _, a := range members {
		entry := aggregateArticle{
			ID:          a.ID,
			Source:      a.Source,
			Title:       a.Title,
			Content:     a.Content,
			PublishedAt: formatTime(a.PublishedAt),
			URL:         a.URL,
		}
		if a.IsSummarized() {
			entry.Summary = *a.SummarizedContent
		}
		compact = append(compact, entry)
	}

	payload, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to build aggregation request: %w", err)
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	var out gateway.AggregationResult
	err = m.ai.Invoke(ctx, gateway.Request{
		Template: gateway.TemplateAggregate,
		Vars: gateway.Vars{
			"Count":      len(members),
			"EventTitle": event.Title,
			"Sentinel":   models.NoDiscrepancySentinel,
			"Articles":   string(payload),
		},
		SubjectID: event.ID,
	}, &out)
	if err != nil {
		return err
	}

	summary := strings.TrimSpace(out.AggregatedSummary)
	if summary == "" {
		m.logger.Warn("aggregation returned no summary, using placeholder", "event_id", event.ID)
		summary = MissingSummaryPlaceholder
	}
	discrepancies := strings.TrimSpace(out.Discrepancies)
	if discrepancies == "" {
		discrepancies = models.NoDiscrepancySentinel
	}

	event.AggregatedSummary = &summary
	event.Discrepancies = &discrepancies
	if out.ConfidenceScore != nil {
		event.ConfidenceScore = models.ClampScore(*out.ConfidenceScore)
	}
	event.IsProcessed = true

	if err := repos.Events.Save(ctx, event); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	m.logger.Debug("aggregated event",
		"event_id", event.ID,
		"articles", len(members),
		"has_discrepancies", event.HasDiscrepancies(),
		"methodology", out.Methodology)
	return nil
}
