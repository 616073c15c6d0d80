package eventmanager

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/STRATINT/eventdesk/internal/models"
)

func TestRunAggregation_SingleArticlePassThrough(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.article(t, "a1", "X", nil)
	h.event(t, "e1", 0.5, "a1")

	result, err := h.manager.RunAggregation(ctx)
	if err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	e := h.mustEvent(t, "e1")
	if e.AggregatedSummary == nil || !strings.HasPrefix(*e.AggregatedSummary, SingleSourcePrefix) || !strings.Contains(*e.AggregatedSummary, "X") {
		t.Errorf("unexpected summary %v", e.AggregatedSummary)
	}
	if e.Discrepancies == nil || *e.Discrepancies != models.NoDiscrepancySentinel {
		t.Errorf("expected no-discrepancy sentinel, got %v", e.Discrepancies)
	}
	if e.ConfidenceScore != SingleSourceConfidence || !e.IsProcessed {
		t.Errorf("unexpected event state %+v", e)
	}
	if e.HasDiscrepancies() {
		t.Error("single-source event should not report discrepancies")
	}

	if len(h.generator.Calls()) != 0 || len(h.usageEntries(t)) != 0 {
		t.Error("expected no model call for a single-article event")
	}
}

func TestRunAggregation_SingleArticleFallsBackToTitle(t *testing.T) {
	h := newHarness(t, nil)
	h.article(t, "a1", "", nil)
	h.event(t, "e1", 0.5, "a1")

	if _, err := h.manager.RunAggregation(context.Background()); err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}
	e := h.mustEvent(t, "e1")
	if *e.AggregatedSummary != SingleSourcePrefix+"Title a1" {
		t.Errorf("unexpected summary %q", *e.AggregatedSummary)
	}
}

func TestRunAggregation_FailureIsolatedToOneEvent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.event(t, "E1", 0.6, "a1", "a2")
	h.event(t, "E2", 0.6, "b1", "b2")
	h.event(t, "E3", 0.6, "c1", "c2")

	failE2 := true
	h.generator.Respond = func(call gateway.Call) (gateway.ScriptedReply, bool) {
		if call.Template != gateway.TemplateAggregate {
			return gateway.ScriptedReply{}, false
		}
		if call.Vars["EventTitle"] == "Event E2" && failE2 {
			return gateway.ScriptedReply{Err: errors.New("gateway timeout")}, true
		}
		return gateway.ScriptedReply{Text: `{"aggregatedSummary":"Combined","discrepancies":"No significant discrepancies found.","confidenceScore":0.75,"methodology":"compared"}`}, true
	}

	result, err := h.manager.RunAggregation(ctx)
	if err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}
	if result.Processed != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	for _, id := range []string{"E1", "E3"} {
		e := h.mustEvent(t, id)
		if !e.IsProcessed || *e.AggregatedSummary != "Combined" || e.ConfidenceScore != 0.75 {
			t.Errorf("event %s not processed: %+v", id, e)
		}
	}
	if e := h.mustEvent(t, "E2"); e.IsProcessed || e.AggregatedSummary != nil {
		t.Errorf("E2 should remain unprocessed, got %+v", e)
	}

	// E2 is the only candidate on the next run.
	failE2 = false
	result, err = h.manager.RunAggregation(ctx)
	if err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if result.Candidates != 1 || result.Processed != 1 {
		t.Errorf("unexpected second run %+v", result)
	}

	entries := h.usageEntries(t)
	if len(entries) != 4 {
		t.Fatalf("expected 4 ledger entries, got %d", len(entries))
	}
	failed := 0
	for _, e := range entries {
		if e.Operation != models.OperationAggregate {
			t.Errorf("unexpected operation %s", e.Operation)
		}
		if !e.Success {
			failed++
			if e.SubjectID != "E2" {
				t.Errorf("failed entry should reference E2, got %s", e.SubjectID)
			}
		}
	}
	if failed != 1 {
		t.Errorf("expected 1 failed entry, got %d", failed)
	}
}

func TestRunAggregation_PartialResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.event(t, "e1", 0.4, "a1", "a2")
	h.generator.Reply(gateway.TemplateAggregate, "```json\n{\"aggregatedSummary\":\"\",\"discrepancies\":\"Reuters reports 12 injured; AP reports 15 injured.\"}\n```")

	if _, err := h.manager.RunAggregation(context.Background()); err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}

	e := h.mustEvent(t, "e1")
	if *e.AggregatedSummary != MissingSummaryPlaceholder {
		t.Errorf("expected placeholder summary, got %q", *e.AggregatedSummary)
	}
	if !e.HasDiscrepancies() {
		t.Error("expected discrepancies to be reported")
	}
	if e.ConfidenceScore != 0.4 {
		t.Errorf("expected confidence to be kept when omitted, got %v", e.ConfidenceScore)
	}
	if !e.IsProcessed {
		t.Error("expected event to be processed")
	}
}

func TestRunAggregation_SendsFullArticles(t *testing.T) {
	h := newHarness(t, nil)
	h.event(t, "e1", 0.4, "a1", "a2")
	h.generator.Reply(gateway.TemplateAggregate, `{"aggregatedSummary":"ok","discrepancies":"","confidenceScore":0.7}`)

	if _, err := h.manager.RunAggregation(context.Background()); err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}

	calls := h.generator.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	for _, want := range []string{"Full content of a1", "source-a2", "https://news.example/a1"} {
		if !strings.Contains(calls[0].Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	if e := h.mustEvent(t, "e1"); *e.Discrepancies != models.NoDiscrepancySentinel {
		t.Errorf("expected empty discrepancies to become the sentinel, got %q", *e.Discrepancies)
	}
}

func TestRunAggregation_SkipsIneligibleEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.store.Repos().Events.Save(ctx, models.Event{ID: "empty", Title: "No members", EventType: "other"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	result, err := h.manager.RunAggregation(ctx)
	if err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}
	if result.Skipped != 1 || result.Processed != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if h.mustEvent(t, "empty").IsProcessed {
		t.Error("ineligible event should stay unprocessed")
	}
}

func TestRunAggregation_NothingToDo(t *testing.T) {
	h := newHarness(t, nil)
	result, err := h.manager.RunAggregation(context.Background())
	if err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}
	if !result.Idle || !strings.Contains(result.Message, "nothing to do") {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestRunAggregation_KeyCeilingRespected(t *testing.T) {
	limits := keypool.DefaultLimits()
	limits[models.OperationAggregate] = keypool.Limit{Requests: 2, Tokens: 1_000_000}
	h := newHarness(t, limits, "sk-1")
	ctx := context.Background()

	h.event(t, "e1", 0.5, "a1", "a2")
	h.event(t, "e2", 0.5, "b1", "b2")
	h.event(t, "e3", 0.5, "c1", "c2")
	for i := 0; i < 3; i++ {
		h.generator.Reply(gateway.TemplateAggregate, `{"aggregatedSummary":"ok","discrepancies":"","confidenceScore":0.7}`)
	}

	if _, err := h.manager.RunAggregation(ctx); err != nil {
		t.Fatalf("RunAggregation returned error: %v", err)
	}

	if h.pool.CanUse(ctx, "key-1", models.OperationAggregate) {
		t.Error("key must not be usable once the request ceiling is reached")
	}
	if !h.pool.CanUse(ctx, "key-1", models.OperationCluster) {
		t.Error("other operations keep their own budget")
	}

	sel := h.pool.NextAvailable(ctx, models.OperationAggregate)
	if !sel.Degraded || sel.Key.ID != "key-1" {
		t.Errorf("expected degraded fallback to key-1, got %+v", sel)
	}

	health := h.pool.Health(ctx)
	if health.PerKey["key-1"] || health.Status != keypool.StatusCritical {
		t.Errorf("unexpected health %+v", health)
	}
}
