package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

// EventRepository implements storage.EventRepository using PostgreSQL.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new PostgreSQL event repository.
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, title, event_type, aggregated_summary, discrepancies, article_count,
	event_date, is_processed, confidence_score, created_at, updated_at`

// FindByID retrieves an event by its ID.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// FindUnprocessed returns all unprocessed events, oldest first.
func (r *EventRepository) FindUnprocessed(ctx context.Context) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE is_processed = FALSE
		ORDER BY created_at ASC, id ASC
	`
	return r.queryEvents(ctx, query)
}

// FindRecentUnprocessed returns unprocessed events created at or after since.
func (r *EventRepository) FindRecentUnprocessed(ctx context.Context, since time.Time) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE is_processed = FALSE AND created_at >= $1
		ORDER BY created_at ASC, id ASC
	`
	return r.queryEvents(ctx, query, since)
}

// List returns events ordered by event date, newest first.
func (r *EventRepository) List(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if filter.Processed != nil {
		query += fmt.Sprintf(" AND is_processed = $%d", argPos)
		args = append(args, *filter.Processed)
		argPos++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND event_date >= $%d", argPos)
		args = append(args, *filter.Since)
		argPos++
	}

	query += " ORDER BY event_date DESC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
		argPos++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	return r.queryEvents(ctx, query, args...)
}

// Save inserts an event or replaces an existing one.
func (r *EventRepository) Save(ctx context.Context, event models.Event) error {
	query := `
		INSERT INTO events (
			id, title, event_type, aggregated_summary, discrepancies, article_count,
			event_date, is_processed, confidence_score, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			event_type = EXCLUDED.event_type,
			aggregated_summary = EXCLUDED.aggregated_summary,
			discrepancies = EXCLUDED.discrepancies,
			article_count = EXCLUDED.article_count,
			event_date = EXCLUDED.event_date,
			is_processed = EXCLUDED.is_processed,
			confidence_score = EXCLUDED.confidence_score,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.Title,
		event.EventType,
		event.AggregatedSummary,
		event.Discrepancies,
		event.ArticleCount,
		event.EventDate,
		event.IsProcessed,
		models.ClampScore(event.ConfidenceScore),
		nullTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// Delete removes an event. Mappings must have been removed or re-pointed first.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Totals aggregates counts and averages across all events.
func (r *EventRepository) Totals(ctx context.Context) (storage.EventTotals, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_processed),
		       COALESCE(AVG(confidence_score), 0),
		       COALESCE(AVG(article_count), 0)
		FROM events
	`

	var totals storage.EventTotals
	err := r.db.QueryRowContext(ctx, query).Scan(
		&totals.Total,
		&totals.Processed,
		&totals.AvgConfidence,
		&totals.AvgArticleCount,
	)
	if err != nil {
		return storage.EventTotals{}, fmt.Errorf("failed to aggregate events: %w", err)
	}
	return totals, nil
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	var summary, discrepancies sql.NullString

	if err := row.Scan(
		&e.ID,
		&e.Title,
		&e.EventType,
		&summary,
		&discrepancies,
		&e.ArticleCount,
		&e.EventDate,
		&e.IsProcessed,
		&e.ConfidenceScore,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if summary.Valid {
		e.AggregatedSummary = &summary.String
	}
	if discrepancies.Valid {
		e.Discrepancies = &discrepancies.String
	}
	return &e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
