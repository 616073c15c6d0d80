package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

// ArticleRepository implements storage.ArticleRepository using PostgreSQL.
type ArticleRepository struct {
	db DBTX
}

// NewArticleRepository creates a new PostgreSQL article repository.
func NewArticleRepository(db DBTX) *ArticleRepository {
	return &ArticleRepository{db: db}
}

const articleColumns = `a.id, a.title, a.content, a.summarized_content, a.source, a.url, a.published_at, a.created_at`

// FindSummarizedUnmapped returns summarized articles that have no mapping yet.
func (r *ArticleRepository) FindSummarizedUnmapped(ctx context.Context) ([]models.Article, error) {
	query := `
		SELECT ` + articleColumns + `
		FROM articles a
		LEFT JOIN article_event_mappings m ON m.article_id = a.id
		WHERE m.id IS NULL
		  AND a.summarized_content IS NOT NULL
		  AND btrim(a.summarized_content) <> ''
		ORDER BY a.published_at ASC NULLS LAST, a.id ASC
	`
	return r.queryArticles(ctx, query)
}

// FindUnsummarized returns up to limit unmapped articles without a summary.
func (r *ArticleRepository) FindUnsummarized(ctx context.Context, limit int) ([]models.Article, error) {
	query := `
		SELECT ` + articleColumns + `
		FROM articles a
		LEFT JOIN article_event_mappings m ON m.article_id = a.id
		WHERE m.id IS NULL
		  AND (a.summarized_content IS NULL OR btrim(a.summarized_content) = '')
		ORDER BY a.published_at ASC NULLS LAST, a.id ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	return r.queryArticles(ctx, query, args...)
}

// FindByID retrieves an article by its ID.
func (r *ArticleRepository) FindByID(ctx context.Context, id string) (*models.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles a WHERE a.id = $1`

	article, err := scanArticle(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return article, nil
}

// Save inserts an article or replaces an existing one.
func (r *ArticleRepository) Save(ctx context.Context, article models.Article) error {
	query := `
		INSERT INTO articles (id, title, content, summarized_content, source, url, published_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			summarized_content = EXCLUDED.summarized_content,
			source = EXCLUDED.source,
			url = EXCLUDED.url,
			published_at = EXCLUDED.published_at
	`

	_, err := r.db.ExecContext(ctx, query,
		article.ID,
		article.Title,
		article.Content,
		article.SummarizedContent,
		article.Source,
		article.URL,
		article.PublishedAt,
		nullTime(article.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save article: %w", err)
	}
	return nil
}

// Upsert inserts an article or replaces one that is not summarized yet.
// It reports false when the stored article already has a summary.
func (r *ArticleRepository) Upsert(ctx context.Context, article models.Article) (bool, error) {
	query := `
		INSERT INTO articles (id, title, content, summarized_content, source, url, published_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			summarized_content = EXCLUDED.summarized_content,
			source = EXCLUDED.source,
			url = EXCLUDED.url,
			published_at = EXCLUDED.published_at
		WHERE articles.summarized_content IS NULL OR btrim(articles.summarized_content) = ''
		RETURNING id
	`

	var id string
	err := r.db.QueryRowContext(ctx, query,
		article.ID,
		article.Title,
		article.Content,
		article.SummarizedContent,
		article.Source,
		article.URL,
		article.PublishedAt,
		nullTime(article.CreatedAt),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert article: %w", err)
	}
	return true, nil
}

// Count returns the total number of articles.
func (r *ArticleRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM articles").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

func (r *ArticleRepository) queryArticles(ctx context.Context, query string, args ...interface{}) ([]models.Article, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %w", err)
	}
	defer rows.Close()

	var articles []models.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, *article)
	}
	return articles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArticle(row rowScanner) (*models.Article, error) {
	var a models.Article
	var summary sql.NullString
	var published sql.NullTime

	if err := row.Scan(
		&a.ID,
		&a.Title,
		&a.Content,
		&summary,
		&a.Source,
		&a.URL,
		&published,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}

	if summary.Valid {
		a.SummarizedContent = &summary.String
	}
	if published.Valid {
		a.PublishedAt = &published.Time
	}
	return &a, nil
}
