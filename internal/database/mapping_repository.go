package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// MappingRepository implements storage.MappingRepository using PostgreSQL.
type MappingRepository struct {
	db DBTX
}

// NewMappingRepository creates a new PostgreSQL mapping repository.
func NewMappingRepository(db DBTX) *MappingRepository {
	return &MappingRepository{db: db}
}

const mappingColumns = `id, article_id, event_id, confidence_score, mapping_method, created_at`

// FindByEvent returns all mappings that point at eventID.
func (r *MappingRepository) FindByEvent(ctx context.Context, eventID string) ([]models.ArticleEventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM article_event_mappings WHERE event_id = $1 ORDER BY article_id`

	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.ArticleEventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

// FindByArticle returns the mapping that holds articleID.
func (r *MappingRepository) FindByArticle(ctx context.Context, articleID string) (*models.ArticleEventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM article_event_mappings WHERE article_id = $1`

	m, err := scanMapping(r.db.QueryRowContext(ctx, query, articleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// ExistsByArticle reports whether articleID is already mapped.
func (r *MappingRepository) ExistsByArticle(ctx context.Context, articleID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM article_event_mappings WHERE article_id = $1)",
		articleID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check mapping: %w", err)
	}
	return exists, nil
}

// Save inserts a mapping or re-points an existing one.
func (r *MappingRepository) Save(ctx context.Context, mapping models.ArticleEventMapping) error {
	query := `
		INSERT INTO article_event_mappings (id, article_id, event_id, confidence_score, mapping_method, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		ON CONFLICT (id) DO UPDATE SET
			article_id = EXCLUDED.article_id,
			event_id = EXCLUDED.event_id,
			confidence_score = EXCLUDED.confidence_score,
			mapping_method = EXCLUDED.mapping_method
	`

	_, err := r.db.ExecContext(ctx, query,
		mapping.ID,
		mapping.ArticleID,
		mapping.EventID,
		models.ClampScore(mapping.ConfidenceScore),
		string(mapping.MappingMethod),
		nullTime(mapping.CreatedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return storage.ErrArticleAlreadyMapped
		}
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	return nil
}

// DeleteByEvent removes every mapping pointing at eventID.
func (r *MappingRepository) DeleteByEvent(ctx context.Context, eventID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM article_event_mappings WHERE event_id = $1", eventID); err != nil {
		return fmt.Errorf("failed to delete mappings: %w", err)
	}
	return nil
}

// CountByEvent returns the live mapping count per event.
func (r *MappingRepository) CountByEvent(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT event_id, COUNT(*) FROM article_event_mappings GROUP BY event_id")
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventID string
		var n int
		if err := rows.Scan(&eventID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan mapping count: %w", err)
		}
		counts[eventID] = n
	}
	return counts, rows.Err()
}

// Count returns the total number of mappings.
func (r *MappingRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM article_event_mappings").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

func scanMapping(row rowScanner) (*models.ArticleEventMapping, error) {
	var m models.ArticleEventMapping
	var method string
	if err := row.Scan(&m.ID, &m.ArticleID, &m.EventID, &m.ConfidenceScore, &method, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.MappingMethod = models.MappingMethod(method)
	return &m, nil
}
