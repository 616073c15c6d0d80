package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

// CharsPerToken is the fixed input-character to token ratio used for
// estimates. Exact tokenization is not needed for budgeting.
const CharsPerToken = 4

// EstimateTokens returns a cheap token estimate for a prompt.
func EstimateTokens(prompt string) int {
	n := len([]rune(prompt))
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Ledger records AI calls in the append-only usage log and answers
// rolling-window consumption queries for the key pool.
type Ledger struct {
	repo   storage.UsageRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger backed by repo.
func NewLedger(repo storage.UsageRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// RecordParams describes one finished AI call.
type RecordParams struct {
	KeyID         string
	Operation     models.Operation
	SubjectID     string
	TokenEstimate int
	Err           error
}

// Record appends one entry. The write is synchronous because the key pool
// reads the ledger to decide the next key, so a lagging write would let a
// key exceed its ceiling. Write failures are logged and returned.
func (l *Ledger) Record(ctx context.Context, params RecordParams) error {
	entry := models.UsageEntry{
		KeyID:         params.KeyID,
		Operation:     params.Operation,
		SubjectID:     params.SubjectID,
		TokenEstimate: params.TokenEstimate,
		Success:       params.Err == nil,
		CreatedAt:     l.now(),
	}
	if params.Err != nil {
		msg := params.Err.Error()
		entry.ErrorMessage = &msg
	}

	if err := l.repo.Append(ctx, entry); err != nil {
		l.logger.Error("failed to record usage entry",
			"key_id", params.KeyID,
			"operation", params.Operation,
			"error", err)
		return err
	}
	return nil
}

// Window returns the consumption of key for op over the trailing window.
func (l *Ledger) Window(ctx context.Context, keyID string, op models.Operation, window time.Duration) (models.UsageWindow, error) {
	return l.repo.Window(ctx, keyID, op, l.now().Add(-window))
}

// List returns ledger entries matching query, newest first.
func (l *Ledger) List(ctx context.Context, query models.UsageQuery) ([]models.UsageEntry, error) {
	return l.repo.List(ctx, query)
}

// Stats aggregates entries recorded at or after since (all entries when nil).
func (l *Ledger) Stats(ctx context.Context, since *time.Time) (models.UsageStats, error) {
	return l.repo.Stats(ctx, since)
}
