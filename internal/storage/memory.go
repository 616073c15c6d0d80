package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
)

// MemoryStore implements Store in memory for tests and local development.
// Transactions hold the store lock for their whole duration and restore a
// snapshot when the callback fails.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState

	usageMu     sync.Mutex
	usage       []models.UsageEntry
	nextUsageID int64
}

type memoryState struct {
	articles map[string]models.Article
	events   map[string]models.Event
	mappings map[string]models.ArticleEventMapping
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		articles: make(map[string]models.Article, len(s.articles)),
		events:   make(map[string]models.Event, len(s.events)),
		mappings: make(map[string]models.ArticleEventMapping, len(s.mappings)),
	}
	for k, v := range s.articles {
		c.articles[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.mappings {
		c.mappings[k] = v
	}
	return c
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			articles: make(map[string]models.Article),
			events:   make(map[string]models.Event),
			mappings: make(map[string]models.ArticleEventMapping),
		},
	}
}

// Repos returns repositories that lock the store per call.
func (s *MemoryStore) Repos() Repositories {
	return s.repos(false)
}

// Usage returns the in-memory ledger.
func (s *MemoryStore) Usage() UsageRepository {
	return memoryUsage{store: s}
}

// InTx runs fn under the store lock, restoring the previous state on error.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, s.repos(true)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) repos(locked bool) Repositories {
	base := memoryBase{store: s, locked: locked}
	return Repositories{
		Articles: memoryArticles{base},
		Events:   memoryEvents{base},
		Mappings: memoryMappings{base},
	}
}

type memoryBase struct {
	store  *MemoryStore
	locked bool
}

func (b memoryBase) with(fn func(st *memoryState) error) error {
	if !b.locked {
		b.store.mu.Lock()
		defer b.store.mu.Unlock()
	}
	return fn(b.store.state)
}

type memoryArticles struct{ memoryBase }

func (r memoryArticles) FindSummarizedUnmapped(ctx context.Context) ([]models.Article, error) {
	var result []models.Article
	err := r.with(func(st *memoryState) error {
		mapped := make(map[string]bool, len(st.mappings))
		for _, m := range st.mappings {
			mapped[m.ArticleID] = true
		}
		for _, a := range st.articles {
			if a.IsSummarized() && !mapped[a.ID] {
				result = append(result, a)
			}
		}
		return nil
	})
	sortArticles(result)
	return result, err
}

func (r memoryArticles) FindUnsummarized(ctx context.Context, limit int) ([]models.Article, error) {
	var result []models.Article
	err := r.with(func(st *memoryState) error {
		mapped := make(map[string]bool, len(st.mappings))
		for _, m := range st.mappings {
			mapped[m.ArticleID] = true
		}
		for _, a := range st.articles {
			if !a.IsSummarized() && !mapped[a.ID] {
				result = append(result, a)
			}
		}
		return nil
	})
	sortArticles(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, err
}

func (r memoryArticles) FindByID(ctx context.Context, id string) (*models.Article, error) {
	var found *models.Article
	err := r.with(func(st *memoryState) error {
		a, ok := st.articles[id]
		if !ok {
			return ErrNotFound
		}
		found = &a
		return nil
	})
	return found, err
}

func (r memoryArticles) Save(ctx context.Context, article models.Article) error {
	return r.with(func(st *memoryState) error {
		if article.CreatedAt.IsZero() {
			article.CreatedAt = time.Now()
		}
		st.articles[article.ID] = article
		return nil
	})
}

func (r memoryArticles) Upsert(ctx context.Context, article models.Article) (bool, error) {
	saved := false
	err := r.with(func(st *memoryState) error {
		if existing, ok := st.articles[article.ID]; ok {
			if existing.IsSummarized() {
				return nil
			}
			if article.CreatedAt.IsZero() {
				article.CreatedAt = existing.CreatedAt
			}
		}
		if article.CreatedAt.IsZero() {
			article.CreatedAt = time.Now()
		}
		st.articles[article.ID] = article
		saved = true
		return nil
	})
	return saved, err
}

func (r memoryArticles) Count(ctx context.Context) (int, error) {
	var n int
	err := r.with(func(st *memoryState) error {
		n = len(st.articles)
		return nil
	})
	return n, err
}

type memoryEvents struct{ memoryBase }

func (r memoryEvents) FindByID(ctx context.Context, id string) (*models.Event, error) {
	var found *models.Event
	err := r.with(func(st *memoryState) error {
		e, ok := st.events[id]
		if !ok {
			return ErrNotFound
		}
		found = &e
		return nil
	})
	return found, err
}

func (r memoryEvents) FindUnprocessed(ctx context.Context) ([]models.Event, error) {
	return r.filter(func(e models.Event) bool { return !e.IsProcessed })
}

func (r memoryEvents) FindRecentUnprocessed(ctx context.Context, since time.Time) ([]models.Event, error) {
	return r.filter(func(e models.Event) bool {
		return !e.IsProcessed && !e.CreatedAt.Before(since)
	})
}

func (r memoryEvents) filter(keep func(models.Event) bool) ([]models.Event, error) {
	var result []models.Event
	err := r.with(func(st *memoryState) error {
		for _, e := range st.events {
			if keep(e) {
				result = append(result, e)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, err
}

func (r memoryEvents) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	var result []models.Event
	err := r.with(func(st *memoryState) error {
		for _, e := range st.events {
			if filter.Processed != nil && e.IsProcessed != *filter.Processed {
				continue
			}
			if filter.Since != nil && e.EventDate.Before(*filter.Since) {
				continue
			}
			result = append(result, e)
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EventDate.Equal(result[j].EventDate) {
			return result[i].EventDate.After(result[j].EventDate)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, err
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, err
}

func (r memoryEvents) Save(ctx context.Context, event models.Event) error {
	return r.with(func(st *memoryState) error {
		now := time.Now()
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}
		event.UpdatedAt = now
		st.events[event.ID] = event
		return nil
	})
}

func (r memoryEvents) Delete(ctx context.Context, id string) error {
	return r.with(func(st *memoryState) error {
		if _, ok := st.events[id]; !ok {
			return ErrNotFound
		}
		delete(st.events, id)
		return nil
	})
}

func (r memoryEvents) Totals(ctx context.Context) (EventTotals, error) {
	var totals EventTotals
	err := r.with(func(st *memoryState) error {
		var confidence, articles float64
		for _, e := range st.events {
			totals.Total++
			if e.IsProcessed {
				totals.Processed++
			}
			confidence += e.ConfidenceScore
			articles += float64(e.ArticleCount)
		}
		if totals.Total > 0 {
			totals.AvgConfidence = confidence / float64(totals.Total)
			totals.AvgArticleCount = articles / float64(totals.Total)
		}
		return nil
	})
	return totals, err
}

type memoryMappings struct{ memoryBase }

func (r memoryMappings) FindByEvent(ctx context.Context, eventID string) ([]models.ArticleEventMapping, error) {
	var result []models.ArticleEventMapping
	err := r.with(func(st *memoryState) error {
		for _, m := range st.mappings {
			if m.EventID == eventID {
				result = append(result, m)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ArticleID < result[j].ArticleID })
	return result, err
}

func (r memoryMappings) FindByArticle(ctx context.Context, articleID string) (*models.ArticleEventMapping, error) {
	var found *models.ArticleEventMapping
	err := r.with(func(st *memoryState) error {
		for _, m := range st.mappings {
			if m.ArticleID == articleID {
				found = &m
				return nil
			}
		}
		return ErrNotFound
	})
	return found, err
}

func (r memoryMappings) ExistsByArticle(ctx context.Context, articleID string) (bool, error) {
	_, err := r.FindByArticle(ctx, articleID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r memoryMappings) Save(ctx context.Context, mapping models.ArticleEventMapping) error {
	return r.with(func(st *memoryState) error {
		for id, m := range st.mappings {
			if m.ArticleID == mapping.ArticleID && id != mapping.ID {
				return ErrArticleAlreadyMapped
			}
		}
		if mapping.CreatedAt.IsZero() {
			mapping.CreatedAt = time.Now()
		}
		st.mappings[mapping.ID] = mapping
		return nil
	})
}

func (r memoryMappings) DeleteByEvent(ctx context.Context, eventID string) error {
	return r.with(func(st *memoryState) error {
		for id, m := range st.mappings {
			if m.EventID == eventID {
				delete(st.mappings, id)
			}
		}
		return nil
	})
}

func (r memoryMappings) CountByEvent(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := r.with(func(st *memoryState) error {
		for _, m := range st.mappings {
			counts[m.EventID]++
		}
		return nil
	})
	return counts, err
}

func (r memoryMappings) Count(ctx context.Context) (int, error) {
	var n int
	err := r.with(func(st *memoryState) error {
		n = len(st.mappings)
		return nil
	})
	return n, err
}

type memoryUsage struct{ store *MemoryStore }

func (u memoryUsage) Append(ctx context.Context, entry models.UsageEntry) error {
	u.store.usageMu.Lock()
	defer u.store.usageMu.Unlock()

	u.store.nextUsageID++
	entry.ID = u.store.nextUsageID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	u.store.usage = append(u.store.usage, entry)
	return nil
}

func (u memoryUsage) Window(ctx context.Context, keyID string, op models.Operation, since time.Time) (models.UsageWindow, error) {
	u.store.usageMu.Lock()
	defer u.store.usageMu.Unlock()

	var w models.UsageWindow
	for _, e := range u.store.usage {
		if e.KeyID == keyID && e.Operation == op && !e.CreatedAt.Before(since) {
			w.Requests++
			w.Tokens += e.TokenEstimate
		}
	}
	return w, nil
}

func (u memoryUsage) List(ctx context.Context, query models.UsageQuery) ([]models.UsageEntry, error) {
	u.store.usageMu.Lock()
	defer u.store.usageMu.Unlock()

	var result []models.UsageEntry
	for i := len(u.store.usage) - 1; i >= 0; i-- {
		e := u.store.usage[i]
		if query.KeyID != "" && e.KeyID != query.KeyID {
			continue
		}
		if query.Operation != "" && e.Operation != query.Operation {
			continue
		}
		if query.Success != nil && e.Success != *query.Success {
			continue
		}
		if query.Since != nil && e.CreatedAt.Before(*query.Since) {
			continue
		}
		result = append(result, e)
	}
	if query.Offset > 0 {
		if query.Offset >= len(result) {
			return nil, nil
		}
		result = result[query.Offset:]
	}
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func (u memoryUsage) Stats(ctx context.Context, since *time.Time) (models.UsageStats, error) {
	u.store.usageMu.Lock()
	defer u.store.usageMu.Unlock()

	var stats models.UsageStats
	for _, e := range u.store.usage {
		if since != nil && e.CreatedAt.Before(*since) {
			continue
		}
		stats.TotalCalls++
		if e.Success {
			stats.SuccessfulCalls++
		} else {
			stats.FailedCalls++
		}
		stats.TotalTokens += int64(e.TokenEstimate)
	}
	return stats, nil
}

func sortArticles(articles []models.Article) {
	sort.Slice(articles, func(i, j int) bool {
		a, b := articles[i], articles[j]
		switch {
		case a.PublishedAt != nil && b.PublishedAt != nil && !a.PublishedAt.Equal(*b.PublishedAt):
			return a.PublishedAt.Before(*b.PublishedAt)
		case a.PublishedAt != nil && b.PublishedAt == nil:
			return true
		case a.PublishedAt == nil && b.PublishedAt != nil:
			return false
		}
		return a.ID < b.ID
	})
}
