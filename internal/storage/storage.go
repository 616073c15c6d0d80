package storage

import (
	"context"
	"errors"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrArticleAlreadyMapped is returned when saving a mapping would give an
	// article a second live mapping.
	ErrArticleAlreadyMapped = errors.New("article already mapped to an event")
)

// ArticleRepository reads articles produced by the ingestion collaborator.
type ArticleRepository interface {
	// FindSummarizedUnmapped returns summarized articles with no mapping.
	FindSummarizedUnmapped(ctx context.Context) ([]models.Article, error)

	// FindUnsummarized returns up to limit unmapped articles without a summary.
	FindUnsummarized(ctx context.Context, limit int) ([]models.Article, error)

	// FindByID returns ErrNotFound when the article does not exist.
	FindByID(ctx context.Context, id string) (*models.Article, error)

	// Save inserts or replaces an article.
	Save(ctx context.Context, article models.Article) error

	// Upsert inserts an article or replaces one that has no summary yet.
	// A summarized article is left untouched and Upsert returns false.
	Upsert(ctx context.Context, article models.Article) (bool, error)

	// Count returns the total number of articles.
	Count(ctx context.Context) (int, error)
}

// EventRepository stores events.
type EventRepository interface {
	FindByID(ctx context.Context, id string) (*models.Event, error)

	// FindUnprocessed returns every event with IsProcessed=false, oldest first.
	FindUnprocessed(ctx context.Context) ([]models.Event, error)

	// FindRecentUnprocessed returns unprocessed events created at or after since.
	FindRecentUnprocessed(ctx context.Context, since time.Time) ([]models.Event, error)

	// List returns events for the read side, newest event date first.
	List(ctx context.Context, filter models.EventFilter) ([]models.Event, error)

	// Save inserts or replaces an event.
	Save(ctx context.Context, event models.Event) error

	// Delete returns ErrNotFound when the event does not exist.
	Delete(ctx context.Context, id string) error

	// Totals aggregates counts and averages across all events.
	Totals(ctx context.Context) (EventTotals, error)
}

// EventTotals is the event side of the pipeline statistics.
type EventTotals struct {
	Total           int
	Processed       int
	AvgConfidence   float64
	AvgArticleCount float64
}

// MappingRepository stores article to event mappings.
type MappingRepository interface {
	FindByEvent(ctx context.Context, eventID string) ([]models.ArticleEventMapping, error)

	// FindByArticle returns ErrNotFound when the article is unmapped.
	FindByArticle(ctx context.Context, articleID string) (*models.ArticleEventMapping, error)

	ExistsByArticle(ctx context.Context, articleID string) (bool, error)

	// Save inserts or replaces a mapping by id. It returns
	// ErrArticleAlreadyMapped if another mapping already holds the article.
	Save(ctx context.Context, mapping models.ArticleEventMapping) error

	DeleteByEvent(ctx context.Context, eventID string) error

	// CountByEvent returns the live mapping count per event id.
	CountByEvent(ctx context.Context) (map[string]int, error)

	// Count returns the total number of mappings.
	Count(ctx context.Context) (int, error)
}

// UsageRepository is the append-only AI usage ledger.
type UsageRepository interface {
	Append(ctx context.Context, entry models.UsageEntry) error

	// Window sums requests and token estimates for one key and operation
	// recorded at or after since.
	Window(ctx context.Context, keyID string, op models.Operation, since time.Time) (models.UsageWindow, error)

	List(ctx context.Context, query models.UsageQuery) ([]models.UsageEntry, error)

	Stats(ctx context.Context, since *time.Time) (models.UsageStats, error)
}

// Repositories groups the repositories that take part in transactions.
type Repositories struct {
	Articles ArticleRepository
	Events   EventRepository
	Mappings MappingRepository
}

// Store is the persistence boundary used by the pipeline.
type Store interface {
	// Repos returns repositories that operate outside any transaction.
	Repos() Repositories

	// Usage returns the ledger. Ledger writes never take part in transactions.
	Usage() UsageRepository

	// InTx runs fn with transaction-bound repositories. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
