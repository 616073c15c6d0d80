package eventmanager

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

func TestRunMerge_Conservation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.event(t, "A", 0.9, "a1", "a2", "a3")
	h.event(t, "B", 0.6, "b1")

	h.generator.Reply(gateway.TemplateMerge, `{"mergeGroups":[
		{"eventIds":["A","B"],"mergedTitle":"Harbor fire","mergedType":"disaster","reasoning":"same fire","confidenceScore":0.85}
	]}`)

	result, err := h.manager.RunMerge(ctx, 48)
	if err != nil {
		t.Fatalf("RunMerge returned error: %v", err)
	}
	if result.GroupsApplied != 1 || result.EventsRemoved != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	a := h.mustEvent(t, "A")
	if a.ArticleCount != 4 {
		t.Errorf("expected 4 articles, got %d", a.ArticleCount)
	}
	if math.Abs(a.ConfidenceScore-0.825) > 1e-9 {
		t.Errorf("expected weighted confidence 0.825, got %v", a.ConfidenceScore)
	}
	if a.Title != "Harbor fire" || a.EventType != "disaster" {
		t.Errorf("expected merged title and type, got %q / %q", a.Title, a.EventType)
	}

	if _, err := h.store.Repos().Events.FindByID(ctx, "B"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected B to be deleted, got %v", err)
	}

	mappings, err := h.store.Repos().Mappings.FindByEvent(ctx, "A")
	if err != nil {
		t.Fatalf("FindByEvent: %v", err)
	}
	if len(mappings) != 4 {
		t.Fatalf("expected 4 mappings on A, got %d", len(mappings))
	}
	for _, m := range mappings {
		want := models.MappingMethodClustering
		if m.ArticleID == "b1" {
			want = models.MappingMethodMerging
		}
		if m.MappingMethod != want {
			t.Errorf("mapping for %s has method %s, want %s", m.ArticleID, m.MappingMethod, want)
		}
	}

	h.assertIntegrity(t)
}

func TestRunMerge_DiscardsWeakAndInvalidGroups(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.event(t, "A", 0.5, "a1")
	h.event(t, "B", 0.5, "b1")
	h.event(t, "C", 0.5, "c1")
	h.event(t, "D", 0.5, "d1", "d2")

	h.generator.Reply(gateway.TemplateMerge, `{"mergeGroups":[
		{"eventIds":["A","B"],"mergedTitle":"weak","confidenceScore":0.69},
		{"eventIds":["C"],"mergedTitle":"alone","confidenceScore":0.95},
		{"eventIds":["C","C"],"mergedTitle":"dup","confidenceScore":0.95},
		{"eventIds":["A","ghost"],"mergedTitle":"missing","confidenceScore":0.95},
		{"eventIds":["D","C"],"mergedTitle":"good","confidenceScore":0.7},
		{"eventIds":["C","A"],"mergedTitle":"late","confidenceScore":0.9}
	]}`)

	result, err := h.manager.RunMerge(ctx, 0)
	if err != nil {
		t.Fatalf("RunMerge returned error: %v", err)
	}
	if result.GroupsApplied != 1 || result.Skipped != 5 {
		t.Fatalf("unexpected result %+v", result)
	}

	d := h.mustEvent(t, "D")
	if d.Title != "good" || d.ArticleCount != 3 {
		t.Errorf("unexpected merged event %+v", d)
	}
	for _, id := range []string{"A", "B"} {
		if e := h.mustEvent(t, id); e.Title != "Event "+id {
			t.Errorf("event %s should be untouched, got %+v", id, e)
		}
	}

	h.assertIntegrity(t)
}

func TestRunMerge_SurvivorJoinsLaterGroup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.event(t, "A", 0.9, "a1", "a2")
	h.event(t, "B", 0.6, "b1")
	h.event(t, "C", 0.3, "c1")

	h.generator.Reply(gateway.TemplateMerge, `{"mergeGroups":[
		{"eventIds":["A","B"],"mergedTitle":"first","confidenceScore":0.9},
		{"eventIds":["A","C"],"mergedTitle":"second","confidenceScore":0.8}
	]}`)

	result, err := h.manager.RunMerge(ctx, 48)
	if err != nil {
		t.Fatalf("RunMerge returned error: %v", err)
	}
	if result.GroupsApplied != 2 || result.EventsRemoved != 2 || result.Skipped != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	a := h.mustEvent(t, "A")
	if a.ArticleCount != 4 || a.Title != "second" {
		t.Errorf("unexpected survivor %+v", a)
	}
	// (0.9*2 + 0.6*1) / 3 = 0.8, then (0.8*3 + 0.3*1) / 4 = 0.675.
	if math.Abs(a.ConfidenceScore-0.675) > 1e-9 {
		t.Errorf("expected confidence 0.675, got %v", a.ConfidenceScore)
	}
	for _, id := range []string{"B", "C"} {
		if _, err := h.store.Repos().Events.FindByID(ctx, id); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected %s to be deleted, got %v", id, err)
		}
	}

	h.assertIntegrity(t)
}

func TestRunMerge_OnlyRecentUnprocessedCandidates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	repos := h.store.Repos()

	h.event(t, "fresh", 0.5, "a1")

	processed := h.event(t, "done", 0.5, "b1")
	processed.IsProcessed = true
	if err := repos.Events.Save(ctx, processed); err != nil {
		t.Fatalf("save: %v", err)
	}

	old := h.event(t, "old", 0.5, "c1")
	old.CreatedAt = time.Now().Add(-72 * time.Hour)
	if err := repos.Events.Save(ctx, old); err != nil {
		t.Fatalf("save: %v", err)
	}

	result, err := h.manager.RunMerge(ctx, 48)
	if err != nil {
		t.Fatalf("RunMerge returned error: %v", err)
	}
	if !result.Idle || !strings.Contains(result.Message, "nothing to do") {
		t.Errorf("expected idle result with one candidate, got %+v", result)
	}
	if len(h.generator.Calls()) != 0 {
		t.Error("expected no model call")
	}

	// A wider window includes the old event.
	h.generator.Reply(gateway.TemplateMerge, `{"mergeGroups":[]}`)
	result, err = h.manager.RunMerge(ctx, 96)
	if err != nil {
		t.Fatalf("RunMerge returned error: %v", err)
	}
	if result.Candidates != 2 {
		t.Errorf("expected 2 candidates in a 96h window, got %d", result.Candidates)
	}
}

func TestRunMerge_SingletonsAreCandidates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.article(t, "x1", "Storm floods valley", nil)
	h.article(t, "x2", "Valley flooded after storm", nil)
	h.generator.Reply(gateway.TemplateCluster, `{"clusters":[]}`)
	if _, err := h.manager.RunEventMapping(ctx); err != nil {
		t.Fatalf("RunEventMapping: %v", err)
	}

	events, _ := h.store.Repos().Events.FindUnprocessed(ctx)
	if len(events) != 2 {
		t.Fatalf("expected two singleton events, got %d", len(events))
	}

	h.generator.Reply(gateway.TemplateMerge, `{"mergeGroups":[{"eventIds":["`+events[0].ID+`","`+events[1].ID+`"],"mergedTitle":"Valley flood","mergedType":"disaster","confidenceScore":0.9}]}`)
	result, err := h.manager.RunMerge(ctx, 48)
	if err != nil {
		t.Fatalf("RunMerge: %v", err)
	}
	if result.GroupsApplied != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	merged := h.mustEvent(t, events[0].ID)
	if merged.ArticleCount != 2 || merged.ConfidenceScore != SingletonConfidence {
		t.Errorf("unexpected merged singleton %+v", merged)
	}
	h.assertIntegrity(t)
}

func TestRunMerge_AnalysisFailureChangesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.event(t, "A", 0.9, "a1")
	h.event(t, "B", 0.6, "b1")
	h.generator.Reply(gateway.TemplateMerge, `{"mergeGroups": "soon"}`)

	_, err := h.manager.RunMerge(ctx, 48)
	var parseErr *gateway.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	h.mustEvent(t, "A")
	h.mustEvent(t, "B")
	h.assertIntegrity(t)
}

func TestWeightedConfidence(t *testing.T) {
	tests := []struct {
		name      string
		events    []models.Event
		wantCount int
		wantConf  float64
	}{
		{
			name:      "weighted by article count",
			events:    []models.Event{{ArticleCount: 3, ConfidenceScore: 0.9}, {ArticleCount: 1, ConfidenceScore: 0.6}},
			wantCount: 4,
			wantConf:  0.825,
		},
		{
			name:      "zero counts fall back to plain mean",
			events:    []models.Event{{ConfidenceScore: 0.4}, {ConfidenceScore: 0.8}},
			wantCount: 0,
			wantConf:  0.6,
		},
		{
			name:      "empty",
			wantCount: 0,
			wantConf:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, conf := weightedConfidence(tt.events)
			if count != tt.wantCount || math.Abs(conf-tt.wantConf) > 1e-9 {
				t.Errorf("weightedConfidence = (%d, %v), want (%d, %v)", count, conf, tt.wantCount, tt.wantConf)
			}
		})
	}
}
