package keypool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
)

// fakeUsage serves fixed windows keyed by key id and operation.
type fakeUsage struct {
	windows map[string]models.UsageWindow
	err     error
}

func (f *fakeUsage) Window(ctx context.Context, keyID string, op models.Operation, window time.Duration) (models.UsageWindow, error) {
	if f.err != nil {
		return models.UsageWindow{}, f.err
	}
	return f.windows[keyID+"/"+string(op)], nil
}

func (f *fakeUsage) set(keyID string, op models.Operation, requests, tokens int) {
	if f.windows == nil {
		f.windows = make(map[string]models.UsageWindow)
	}
	f.windows[keyID+"/"+string(op)] = models.UsageWindow{Requests: requests, Tokens: tokens}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLimits() Limits {
	return Limits{
		models.OperationSummarize: {Requests: 5, Tokens: 1000},
		models.OperationCluster:   {Requests: 2, Tokens: 1000},
		models.OperationAggregate: {Requests: 5, Tokens: 1000},
		models.OperationMerge:     {Requests: 2, Tokens: 1000},
	}
}

func TestKeysFromSecrets(t *testing.T) {
	keys := KeysFromSecrets([]string{"sk-a", "sk-b"})
	if len(keys) != 2 || keys[0].ID != "key-1" || keys[1].ID != "key-2" || keys[1].Secret != "sk-b" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestPool_CanUseCeilings(t *testing.T) {
	tests := []struct {
		name     string
		requests int
		tokens   int
		want     bool
	}{
		{"idle key", 0, 0, true},
		{"one below request ceiling", 1, 10, true},
		{"request ceiling reached", 2, 10, false},
		{"request ceiling exceeded", 3, 10, false},
		{"token ceiling reached", 0, 1000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage := &fakeUsage{}
			usage.set("key-1", models.OperationCluster, tt.requests, tt.tokens)
			pool := NewPool(KeysFromSecrets([]string{"a"}), testLimits(), usage, discardLogger())

			if got := pool.CanUse(context.Background(), "key-1", models.OperationCluster); got != tt.want {
				t.Errorf("CanUse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPool_CanUseIsPerOperation(t *testing.T) {
	usage := &fakeUsage{}
	usage.set("key-1", models.OperationCluster, 2, 0)
	pool := NewPool(KeysFromSecrets([]string{"a"}), testLimits(), usage, discardLogger())
	ctx := context.Background()

	if pool.CanUse(ctx, "key-1", models.OperationCluster) {
		t.Error("expected clustering to be exhausted")
	}
	if !pool.CanUse(ctx, "key-1", models.OperationAggregate) {
		t.Error("expected aggregation budget to be independent")
	}
}

func TestPool_CanUseLedgerError(t *testing.T) {
	pool := NewPool(KeysFromSecrets([]string{"a"}), testLimits(), &fakeUsage{err: errors.New("db down")}, discardLogger())
	if pool.CanUse(context.Background(), "key-1", models.OperationMerge) {
		t.Error("expected ledger failure to make the key unusable")
	}
}

func TestPool_NextAvailableRotatesAndSkipsExhausted(t *testing.T) {
	usage := &fakeUsage{}
	usage.set("key-2", models.OperationAggregate, 5, 0)
	pool := NewPool(KeysFromSecrets([]string{"a", "b", "c"}), testLimits(), usage, discardLogger())
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		sel := pool.NextAvailable(ctx, models.OperationAggregate)
		if sel.Degraded {
			t.Fatalf("unexpected degraded selection on call %d", i)
		}
		got = append(got, sel.Key.ID)
	}

	want := []string{"key-1", "key-3", "key-1", "key-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("selection order = %v, want %v", got, want)
		}
	}
}

func TestPool_NextAvailableDegraded(t *testing.T) {
	usage := &fakeUsage{}
	usage.set("key-1", models.OperationMerge, 2, 0)
	usage.set("key-2", models.OperationMerge, 9, 0)
	pool := NewPool(KeysFromSecrets([]string{"a", "b"}), testLimits(), usage, discardLogger())

	sel := pool.NextAvailable(context.Background(), models.OperationMerge)
	if !sel.Degraded {
		t.Fatal("expected degraded selection")
	}
	if sel.Key.ID != "key-1" {
		t.Errorf("expected first key in degraded mode, got %s", sel.Key.ID)
	}
}

func TestPool_EmptyPool(t *testing.T) {
	pool := NewPool(nil, nil, &fakeUsage{}, discardLogger())
	sel := pool.NextAvailable(context.Background(), models.OperationSummarize)
	if !sel.Degraded || sel.Key.ID != "" {
		t.Errorf("expected empty degraded selection, got %+v", sel)
	}
	if h := pool.Health(context.Background()); h.Status != StatusCritical {
		t.Errorf("expected CRITICAL for empty pool, got %s", h.Status)
	}
}

func TestPool_Health(t *testing.T) {
	tests := []struct {
		name      string
		keys      int
		exhausted int
		want      string
	}{
		{"five of five", 5, 0, StatusHealthy},
		{"four of five", 5, 1, StatusHealthy},
		{"three of five", 5, 2, StatusWarning},
		{"two of five", 5, 3, StatusWarning},
		{"one of five", 5, 4, StatusCritical},
		{"none", 3, 3, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secrets := make([]string, tt.keys)
			usage := &fakeUsage{}
			keys := KeysFromSecrets(secrets)
			for i := 0; i < tt.exhausted; i++ {
				usage.set(keys[i].ID, models.OperationCluster, 2, 0)
			}
			pool := NewPool(keys, testLimits(), usage, discardLogger())

			h := pool.Health(context.Background())
			if h.Status != tt.want {
				t.Errorf("status = %s, want %s", h.Status, tt.want)
			}
			if h.AvailableCount != tt.keys-tt.exhausted {
				t.Errorf("available = %d, want %d", h.AvailableCount, tt.keys-tt.exhausted)
			}
			if h.PerOperation[models.OperationAggregate] != tt.keys {
				t.Errorf("aggregation should be unaffected, got %d", h.PerOperation[models.OperationAggregate])
			}
		})
	}
}

func TestPool_RecommendationsDoNotAdvanceCursor(t *testing.T) {
	pool := NewPool(KeysFromSecrets([]string{"a", "b"}), testLimits(), &fakeUsage{}, discardLogger())
	ctx := context.Background()

	recs := pool.Recommendations(ctx)
	if len(recs) != len(models.Operations()) {
		t.Fatalf("expected one recommendation per operation, got %d", len(recs))
	}
	for _, r := range recs {
		if r.KeyID != "key-1" || r.Degraded {
			t.Errorf("unexpected recommendation %+v", r)
		}
	}

	if sel := pool.NextAvailable(ctx, models.OperationCluster); sel.Key.ID != "key-1" {
		t.Errorf("expected cursor to still be at key-1, got %s", sel.Key.ID)
	}
}

func TestLoadLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	content := `
limits:
  clustering:
    requests: 20
    tokens: 400000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write limits file: %v", err)
	}

	limits, err := LoadLimits(path)
	if err != nil {
		t.Fatalf("LoadLimits returned error: %v", err)
	}
	if got := limits[models.OperationCluster]; got.Requests != 20 || got.Tokens != 400000 {
		t.Errorf("clustering limit = %+v", got)
	}
	if got := limits[models.OperationMerge]; got != DefaultLimits()[models.OperationMerge] {
		t.Errorf("merging should keep default, got %+v", got)
	}
}

func TestLoadLimitsErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"unknown operation", "limits:\n  translation:\n    requests: 1\n    tokens: 1\n"},
		{"zero requests", "limits:\n  merging:\n    requests: 0\n    tokens: 10\n"},
		{"invalid yaml", "limits: [bad"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "limits"+string(rune('a'+i))+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadLimits(path); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := LoadLimits(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if limits, err := LoadLimits(""); err != nil || len(limits) != 4 {
		t.Errorf("expected defaults for empty path, got %v, %v", limits, err)
	}
}
