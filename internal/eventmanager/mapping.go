package eventmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

// clusterArticle is the compact article form sent to the clustering call.
type clusterArticle struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Source      string `json:"source"`
}

// mappingPlan is the set of events and mappings one run will commit.
type mappingPlan struct {
	events     []models.Event
	mappings   []models.ArticleEventMapping
	singletons int
}

func (p *mappingPlan) add(event models.Event, members []models.Article, method models.MappingMethod, newID func() string) {
	event.ArticleCount = len(members)
	p.events = append(p.events, event)
	for _, a := range members {
		p.mappings = append(p.mappings, models.ArticleEventMapping{
			ID:              newID(),
			ArticleID:       a.ID,
			EventID:         event.ID,
			ConfidenceScore: event.ConfidenceScore,
			MappingMethod:   method,
			CreatedAt:       event.CreatedAt,
		})
	}
}

// RunEventMapping clusters every summarized, unmapped article into events
// with a single model call. Articles the model leaves out get their own
// event, so every candidate is mapped when the run succeeds. If the call
// fails nothing is written and the run can simply be retried.
func (m *Manager) RunEventMapping(ctx context.Context) (result RunResult, err error) {
	result = m.begin(StageMapping)
	defer func() { m.finish(&result, err) }()

	candidates, err := m.store.Repos().Articles.FindSummarizedUnmapped(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to find unmapped articles: %w", err)
	}

	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		result.Idle = true
		result.Message = "nothing to do: no unmapped summarized articles"
		return result, nil
	}

	compact := make([]clusterArticle, 0, len(candidates))
	for _, a := range candidates {
		compact = append(compact, clusterArticle{
			ID:          a.ID,
			Title:       a.Title,
			Summary:     a.SummaryOrTitle(),
			PublishedAt: formatTime(a.PublishedAt),
			Source:      a.Source,
		})
	}

	payload, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return result, fmt.Errorf("failed to build clustering request: %w", err)
	}

	var clusters gateway.ClusterResult
	err = m.ai.Invoke(ctx, gateway.Request{
		Template:  gateway.TemplateCluster,
		Vars:      gateway.Vars{"Count": len(candidates), "Articles": string(payload)},
		SubjectID: strconv.Itoa(len(candidates)),
	}, &clusters)
	if err != nil {
		result.Failed = len(candidates)
		result.Message = "clustering call failed; no events created"
		return result, fmt.Errorf("clustering failed: %w", err)
	}

	plan, skipped := m.planMapping(candidates, clusters.Clusters)
	result.Skipped = skipped

	err = m.store.InTx(ctx, func(ctx context.Context, repos storage.Repositories) error {
		for _, event := range plan.events {
			if err := repos.Events.Save(ctx, event); err != nil {
				return fmt.Errorf("failed to save event %s: %w", event.ID, err)
			}
		}
		for _, mapping := range plan.mappings {
			if err := repos.Mappings.Save(ctx, mapping); err != nil {
				return fmt.Errorf("failed to map article %s: %w", mapping.ArticleID, err)
			}
		}
		return nil
	})
	if err != nil {
		result.Failed = len(candidates)
		result.Message = "commit failed; no events created"
		return result, err
	}

	result.EventsCreated = len(plan.events)
	result.ArticlesMapped = len(plan.mappings)
	result.Message = fmt.Sprintf("mapped %d articles into %d events (%d from clusters, %d singletons)",
		len(plan.mappings), len(plan.events), len(plan.events)-plan.singletons, plan.singletons)
	return result, nil
}

// planMapping turns model clusters into events. Unknown ids and ids already
// claimed by an earlier cluster are dropped; clusters left empty are
// skipped. Uncovered candidates become singleton events.
func (m *Manager) planMapping(candidates []models.Article, clusters []gateway.Cluster) (mappingPlan, int) {
	byID := make(map[string]models.Article, len(candidates))
	for _, a := range candidates {
		byID[a.ID] = a
	}

	now := m.now()
	assigned := make(map[string]bool, len(candidates))
	skipped := 0
	var plan mappingPlan

	for i, cluster := range clusters {
		var members []models.Article
		for _, rawID := range cluster.ArticleIDs {
			id := string(rawID)
			article, ok := byID[id]
			switch {
			case !ok:
				m.logger.Warn("cluster references unknown article", "cluster", i, "article_id", id)
			case assigned[id]:
				m.logger.Warn("article appears in more than one cluster", "cluster", i, "article_id", id)
			default:
				assigned[id] = true
				members = append(members, article)
			}
		}

		if len(members) == 0 {
			m.logger.Warn("cluster has no known articles, skipping", "cluster", i, "title", cluster.EventTitle)
			skipped++
			continue
		}

		title := strings.TrimSpace(cluster.EventTitle)
		if title == "" {
			title = members[0].Title
		}
		eventType := strings.TrimSpace(cluster.EventType)
		if eventType == "" {
			eventType = models.EventTypeUncategorized
		}

		plan.add(models.Event{
			ID:              m.newID(),
			Title:           title,
			EventType:       eventType,
			EventDate:       earliestPublished(members, now),
			ConfidenceScore: models.ClampScore(cluster.ConfidenceScore),
			CreatedAt:       now,
		}, members, models.MappingMethodClustering, m.newID)
	}

	for _, a := range candidates {
		if assigned[a.ID] {
			continue
		}
		plan.add(models.Event{
			ID:              m.newID(),
			Title:           a.Title,
			EventType:       models.EventTypeUncategorized,
			EventDate:       earliestPublished([]models.Article{a}, now),
			ConfidenceScore: SingletonConfidence,
			CreatedAt:       now,
		}, []models.Article{a}, models.MappingMethodIndividual, m.newID)
		plan.singletons++
	}

	return plan, skipped
}

// earliestPublished returns the earliest publish time among articles, or
// fallback when none carries one.
func earliestPublished(articles []models.Article, fallback time.Time) time.Time {
	var earliest *time.Time
	for _, a := range articles {
		if a.PublishedAt == nil {
			continue
		}
		if earliest == nil || a.PublishedAt.Before(*earliest) {
			t := *a.PublishedAt
			earliest = &t
		}
	}
	if earliest == nil {
		return fallback
	}
	return *earliest
}
