package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
)

// UsageRepository implements storage.UsageRepository on the api_usage_logs table.
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository creates a new ledger repository.
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Append records one AI call.
func (r *UsageRepository) Append(ctx context.Context, entry models.UsageEntry) error {
	query := `
		INSERT INTO api_usage_logs (
			key_id, operation, subject_id, token_estimate, success, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.KeyID,
		string(entry.Operation),
		entry.SubjectID,
		entry.TokenEstimate,
		entry.Success,
		entry.ErrorMessage,
		nullTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append usage entry: %w", err)
	}
	return nil
}

// Window sums requests and tokens for one key and operation since a point in time.
func (r *UsageRepository) Window(ctx context.Context, keyID string, op models.Operation, since time.Time) (models.UsageWindow, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(token_estimate), 0)
		FROM api_usage_logs
		WHERE key_id = $1 AND operation = $2 AND created_at >= $3
	`

	var w models.UsageWindow
	if err := r.db.QueryRowContext(ctx, query, keyID, string(op), since).Scan(&w.Requests, &w.Tokens); err != nil {
		return models.UsageWindow{}, fmt.Errorf("failed to sum usage window: %w", err)
	}
	return w, nil
}

// List retrieves ledger rows with optional filtering, newest first.
func (r *UsageRepository) List(ctx context.Context, query models.UsageQuery) ([]models.UsageEntry, error) {
	sqlQuery := `
		SELECT id, key_id, operation, subject_id, token_estimate, success, error_message, created_at
		FROM api_usage_logs
		WHERE 1=1
	`
	args := []interface{}{}
	argPos := 1

	if query.KeyID != "" {
		sqlQuery += fmt.Sprintf(" AND key_id = $%d", argPos)
		args = append(args, query.KeyID)
		argPos++
	}

	if query.Operation != "" {
		sqlQuery += fmt.Sprintf(" AND operation = $%d", argPos)
		args = append(args, string(query.Operation))
		argPos++
	}

	if query.Success != nil {
		sqlQuery += fmt.Sprintf(" AND success = $%d", argPos)
		args = append(args, *query.Success)
		argPos++
	}

	if query.Since != nil {
		sqlQuery += fmt.Sprintf(" AND created_at >= $%d", argPos)
		args = append(args, *query.Since)
		argPos++
	}

	sqlQuery += " ORDER BY created_at DESC, id DESC"

	if query.Limit > 0 {
		sqlQuery += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, query.Limit)
		argPos++
	}

	if query.Offset > 0 {
		sqlQuery += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, query.Offset)
	}

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage entries: %w", err)
	}
	defer rows.Close()

	var entries []models.UsageEntry
	for rows.Next() {
		var e models.UsageEntry
		var op string
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.KeyID, &op, &e.SubjectID, &e.TokenEstimate, &e.Success, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		e.Operation = models.Operation(op)
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats aggregates ledger rows recorded at or after since (all rows when nil).
func (r *UsageRepository) Stats(ctx context.Context, since *time.Time) (models.UsageStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       COALESCE(SUM(token_estimate), 0)
		FROM api_usage_logs
	`
	args := []interface{}{}
	if since != nil {
		query += " WHERE created_at >= $1"
		args = append(args, *since)
	}

	var stats models.UsageStats
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalCalls,
		&stats.SuccessfulCalls,
		&stats.FailedCalls,
		&stats.TotalTokens,
	)
	if err != nil {
		return models.UsageStats{}, fmt.Errorf("failed to get usage stats: %w", err)
	}
	return stats, nil
}
