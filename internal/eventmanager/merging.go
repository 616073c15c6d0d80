package eventmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

// mergeEvent is the compact event form sent to the merge call.
type mergeEvent struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	EventType       string  `json:"eventType"`
	ArticleCount    int     `json:"articleCount"`
	ConfidenceScore float64 `json:"confidenceScore"`
	EventDate       string  `json:"eventDate"`
}

// errGroupStale means a group member disappeared between planning and commit.
var errGroupStale = errors.New("merge group references a missing event")

// RunMerge looks for duplicate unprocessed events created in the last
// windowHours and merges each accepted group into its first event. Each
// group commits in its own transaction, so one bad group never affects
// another. A non-positive window uses the configured default.
func (m *Manager) RunMerge(ctx context.Context, windowHours int) (result RunResult, err error) {
	result = m.begin(StageMerge)
	defer func() { m.finish(&result, err) }()

	window := m.config.MergeWindow
	if windowHours > 0 {
		window = time.Duration(windowHours) * time.Hour
	}

	candidates, err := m.store.Repos().Events.FindRecentUnprocessed(ctx, m.now().Add(-window))
	if err != nil {
		return result, fmt.Errorf("failed to find merge candidates: %w", err)
	}

	result.Candidates = len(candidates)
	if len(candidates) < 2 {
		result.Idle = true
		result.Message = fmt.Sprintf("nothing to do: %d candidate events in the last %s", len(candidates), window)
		return result, nil
	}

	compact := make([]mergeEvent, 0, len(candidates))
	byID := make(map[string]models.Event, len(candidates))
	for _, e := range candidates {
		byID[e.ID] = e
		compact = append(compact, mergeEvent{
			ID:              e.ID,
			Title:           e.Title,
			EventType:       e.EventType,
			ArticleCount:    e.ArticleCount,
			ConfidenceScore: e.ConfidenceScore,
			EventDate:       e.EventDate.UTC().Format("2006-01-02 15:04"),
		})
	}

	payload, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return result, fmt.Errorf("failed to build merge request: %w", err)
	}

	var out gateway.MergeResult
	err = m.ai.Invoke(ctx, gateway.Request{
		Template: gateway.TemplateMerge,
		Vars: gateway.Vars{
			"Count":         len(candidates),
			"Events":        string(payload),
			"MinConfidence": m.config.MergeMinConfidence,
		},
		SubjectID: strconv.Itoa(len(candidates)),
	}, &out)
	if err != nil {
		result.Message = "merge analysis failed; no events merged"
		return result, fmt.Errorf("merge analysis failed: %w", err)
	}

	// mergedAway holds events deleted by an earlier group of this run.
	mergedAway := make(map[string]bool)
	for i, group := range out.MergeGroups {
		ids := m.resolveGroup(i, group, byID, mergedAway)
		if ids == nil {
			result.Skipped++
			continue
		}

		removed, err := m.applyMerge(ctx, ids, group)
		if err != nil {
			result.Failed++
			m.logger.Error("failed to apply merge group", "group", i, "event_ids", ids, "failure", failureKind(err), "error", err)
			continue
		}

		for _, id := range ids[1:] {
			mergedAway[id] = true
		}
		result.GroupsApplied++
		result.EventsRemoved += removed
	}

	result.Message = fmt.Sprintf("applied %d merge groups, removed %d events, skipped %d, failed %d",
		result.GroupsApplied, result.EventsRemoved, result.Skipped, result.Failed)
	return result, nil
}

// resolveGroup returns the group's event ids in order, or nil when the group
// must be discarded: confidence under the floor, fewer than two distinct
// ids, or any id outside the candidate set.
func (m *Manager) resolveGroup(i int, group gateway.MergeGroup, byID map[string]models.Event, mergedAway map[string]bool) []string {
	if group.ConfidenceScore < m.config.MergeMinConfidence {
		m.logger.Info("discarding low-confidence merge group",
			"group", i,
			"confidence", group.ConfidenceScore,
			"floor", m.config.MergeMinConfidence)
		return nil
	}

	seen := make(map[string]bool, len(group.EventIDs))
	var ids []string
	for _, raw := range group.EventIDs {
		id := string(raw)
		if seen[id] {
			continue
		}
		seen[id] = true

		if _, ok := byID[id]; !ok {
			m.logger.Warn("merge group references unknown event, skipping group", "group", i, "event_id", id)
			return nil
		}
		if mergedAway[id] {
			m.logger.Warn("event already merged away by an earlier group", "group", i, "event_id", id)
			continue
		}
		ids = append(ids, id)
	}

	if len(ids) < 2 {
		m.logger.Info("discarding merge group with fewer than two events", "group", i, "event_ids", ids)
		return nil
	}
	return ids
}

// applyMerge folds ids[1:] into ids[0] in one transaction and returns how
// many events were removed.
func (m *Manager) applyMerge(ctx context.Context, ids []string, group gateway.MergeGroup) (int, error) {
	removed := 0

	err := m.store.InTx(ctx, func(ctx context.Context, repos storage.Repositories) error {
		members := make([]models.Event, 0, len(ids))
		for _, id := range ids {
			event, err := repos.Events.FindByID(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %s", errGroupStale, id)
			}
			if err != nil {
				return err
			}
			members = append(members, *event)
		}

		primary := members[0]
		for _, loser := range members[1:] {
			mappings, err := repos.Mappings.FindByEvent(ctx, loser.ID)
			if err != nil {
				return err
			}
			for _, mapping := range mappings {
				mapping.EventID = primary.ID
				mapping.MappingMethod = models.MappingMethodMerging
				if err := repos.Mappings.Save(ctx, mapping); err != nil {
					return fmt.Errorf("failed to re-point mapping %s: %w", mapping.ID, err)
				}
			}
			if err := repos.Events.Delete(ctx, loser.ID); err != nil {
				return fmt.Errorf("failed to delete merged event %s: %w", loser.ID, err)
			}
		}

		count, confidence := weightedConfidence(members)
		if title := strings.TrimSpace(group.MergedTitle); title != "" {
			primary.Title = title
		}
		if eventType := strings.TrimSpace(group.MergedType); eventType != "" {
			primary.EventType = eventType
		}
		for _, e := range members[1:] {
			if e.EventDate.Before(primary.EventDate) {
				primary.EventDate = e.EventDate
			}
		}
		primary.ArticleCount = count
		primary.ConfidenceScore = confidence

		if err := repos.Events.Save(ctx, primary); err != nil {
			return fmt.Errorf("failed to save merged event: %w", err)
		}

		removed = len(members) - 1
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info("merged events",
		"primary_id", ids[0],
		"merged_ids", ids[1:],
		"confidence", group.ConfidenceScore,
		"reasoning", group.Reasoning)
	return removed, nil
}

// weightedConfidence returns the summed article count and the
// article-count-weighted mean confidence. When every count is zero it falls
// back to the plain mean.
func weightedConfidence(events []models.Event) (int, float64) {
	total := 0
	weighted := 0.0
	plain := 0.0
	for _, e := range events {
		total += e.ArticleCount
		weighted += e.ConfidenceScore * float64(e.ArticleCount)
		plain += e.ConfidenceScore
	}
	if total == 0 {
		if len(events) == 0 {
			return 0, 0
		}
		return 0, models.ClampScore(plain / float64(len(events)))
	}
	return total, models.ClampScore(weighted / float64(total))
}
