package eventmanager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/inference"
	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

type harness struct {
	manager   *Manager
	store     *storage.MemoryStore
	generator *gateway.ScriptedGenerator
	ledger    *inference.Ledger
	pool      *keypool.Pool
}

func newHarness(t *testing.T, limits keypool.Limits, secrets ...string) *harness {
	t.Helper()
	if len(secrets) == 0 {
		secrets = []string{"sk-test"}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	ledger := inference.NewLedger(store.Usage(), logger)
	pool := keypool.NewPool(keypool.KeysFromSecrets(secrets), limits, ledger, logger)
	gen := gateway.NewScriptedGenerator()
	gw := gateway.New(pool, gen, ledger, nil, logger)

	cfg := DefaultConfig()
	cfg.AggregationDelay = 0

	manager := NewManager(store, gw, cfg, nil, logger)

	var mu sync.Mutex
	seq := 0
	manager.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("gen-%03d", seq)
	}

	return &harness{manager: manager, store: store, generator: gen, ledger: ledger, pool: pool}
}

func ptr[T any](v T) *T {
	return &v
}

func (h *harness) article(t *testing.T, id, summary string, published *time.Time) models.Article {
	t.Helper()
	a := models.Article{
		ID:          id,
		Title:       "Title " + id,
		Content:     "Full content of " + id,
		Source:      "source-" + id,
		URL:         "https://news.example/" + id,
		PublishedAt: published,
	}
	if summary != "" {
		a.SummarizedContent = ptr(summary)
	}
	if err := h.store.Repos().Articles.Save(context.Background(), a); err != nil {
		t.Fatalf("save article %s: %v", id, err)
	}
	return a
}

// event stores an unprocessed event mapped to articleIDs, creating the
// articles as needed.
func (h *harness) event(t *testing.T, id string, confidence float64, articleIDs ...string) models.Event {
	t.Helper()
	ctx := context.Background()
	repos := h.store.Repos()

	e := models.Event{
		ID:              id,
		Title:           "Event " + id,
		EventType:       "politics",
		ArticleCount:    len(articleIDs),
		EventDate:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		ConfidenceScore: confidence,
	}
	if err := repos.Events.Save(ctx, e); err != nil {
		t.Fatalf("save event %s: %v", id, err)
	}

	for _, articleID := range articleIDs {
		if _, err := repos.Articles.FindByID(ctx, articleID); err != nil {
			h.article(t, articleID, "Summary of "+articleID, nil)
		}
		mapping := models.ArticleEventMapping{
			ID:              "m-" + articleID,
			ArticleID:       articleID,
			EventID:         id,
			ConfidenceScore: confidence,
			MappingMethod:   models.MappingMethodClustering,
		}
		if err := repos.Mappings.Save(ctx, mapping); err != nil {
			t.Fatalf("save mapping for %s: %v", articleID, err)
		}
	}
	return e
}

func (h *harness) mustEvent(t *testing.T, id string) *models.Event {
	t.Helper()
	e, err := h.store.Repos().Events.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s): %v", id, err)
	}
	return e
}

func (h *harness) usageEntries(t *testing.T) []models.UsageEntry {
	t.Helper()
	entries, err := h.ledger.List(context.Background(), models.UsageQuery{})
	if err != nil {
		t.Fatalf("ledger List: %v", err)
	}
	return entries
}

func (h *harness) assertIntegrity(t *testing.T) {
	t.Helper()
	issues, err := h.manager.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("expected article counts to match mappings, got %+v", issues)
	}
}
