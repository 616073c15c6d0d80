package inference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

func newTestLedger() *Ledger {
	return NewLedger(storage.NewMemoryStore().Usage(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		prompt string
		want   int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"ünïcödé!", 2},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.prompt); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.prompt, got, tt.want)
		}
	}
}

func TestLedger_RecordSuccessAndFailure(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	if err := ledger.Record(ctx, RecordParams{KeyID: "key-1", Operation: models.OperationCluster, SubjectID: "5", TokenEstimate: 120}); err != nil {
		t.Fatalf("Record success: %v", err)
	}
	if err := ledger.Record(ctx, RecordParams{KeyID: "key-1", Operation: models.OperationCluster, SubjectID: "5", TokenEstimate: 80, Err: errors.New("timeout")}); err != nil {
		t.Fatalf("Record failure: %v", err)
	}

	entries, err := ledger.List(ctx, models.UsageQuery{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	// Newest first.
	if entries[0].Success || entries[0].ErrorMessage == nil || *entries[0].ErrorMessage != "timeout" {
		t.Errorf("expected failed entry first, got %+v", entries[0])
	}
	if !entries[1].Success || entries[1].ErrorMessage != nil {
		t.Errorf("expected successful entry second, got %+v", entries[1])
	}

	w, err := ledger.Window(ctx, "key-1", models.OperationCluster, time.Hour)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if w.Requests != 2 || w.Tokens != 200 {
		t.Errorf("expected failed calls to count against the window, got %+v", w)
	}
}

func TestLedger_WindowExcludesOldEntries(t *testing.T) {
	ledger := newTestLedger()
	ctx := context.Background()

	now := time.Now()
	ledger.now = func() time.Time { return now.Add(-90 * time.Minute) }
	ledger.Record(ctx, RecordParams{KeyID: "key-1", Operation: models.OperationMerge, TokenEstimate: 500})

	ledger.now = func() time.Time { return now }
	ledger.Record(ctx, RecordParams{KeyID: "key-1", Operation: models.OperationMerge, TokenEstimate: 10})

	w, err := ledger.Window(ctx, "key-1", models.OperationMerge, time.Hour)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if w.Requests != 1 || w.Tokens != 10 {
		t.Errorf("expected only the recent entry, got %+v", w)
	}
}
