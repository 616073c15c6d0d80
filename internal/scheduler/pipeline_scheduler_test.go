package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/STRATINT/eventdesk/internal/eventmanager"
	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/inference"
	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/STRATINT/eventdesk/internal/metrics"
	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

type fakePipeline struct {
	mu      sync.Mutex
	calls   []string
	windows []int
	fail    map[string]error

	// block, when set, holds aggregation until closed.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakePipeline) record(stage string) (eventmanager.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stage)
	err := f.fail[stage]
	f.mu.Unlock()
	return eventmanager.RunResult{Stage: stage}, err
}

func (f *fakePipeline) RunSummarization(ctx context.Context, limit int) (eventmanager.RunResult, error) {
	return f.record(eventmanager.StageSummarization)
}

func (f *fakePipeline) RunEventMapping(ctx context.Context) (eventmanager.RunResult, error) {
	return f.record(eventmanager.StageMapping)
}

func (f *fakePipeline) RunAggregation(ctx context.Context) (eventmanager.RunResult, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	return f.record(eventmanager.StageAggregation)
}

func (f *fakePipeline) RunMerge(ctx context.Context, windowHours int) (eventmanager.RunResult, error) {
	f.mu.Lock()
	f.windows = append(f.windows, windowHours)
	f.mu.Unlock()
	return f.record(eventmanager.StageMerge)
}

func (f *fakePipeline) stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestScheduler(p Pipeline, opts Options) *PipelineScheduler {
	return NewPipelineScheduler(p, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunPass_FullRunsStagesInOrder(t *testing.T) {
	p := &fakePipeline{}
	s := newTestScheduler(p, Options{MergeWindowHours: 12})

	results, err := s.RunPass(context.Background(), PassFull)
	if err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}

	want := []string{
		eventmanager.StageSummarization,
		eventmanager.StageMapping,
		eventmanager.StageMerge,
		eventmanager.StageAggregation,
	}
	got := p.stages()
	if len(got) != len(want) || len(results) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, got[i], want[i])
		}
	}
	if p.windows[0] != 12 {
		t.Errorf("expected merge window 12, got %d", p.windows[0])
	}
}

func TestRunPass_FailingStageDoesNotStopLaterStages(t *testing.T) {
	boom := errors.New("boom")
	p := &fakePipeline{fail: map[string]error{eventmanager.StageMapping: boom}}
	s := newTestScheduler(p, Options{})

	results, err := s.RunPass(context.Background(), PassFull)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(results) != 4 {
		t.Errorf("expected all 4 stages to run, got %d", len(results))
	}
}

func TestRunPass_LightRunsAggregationOnly(t *testing.T) {
	p := &fakePipeline{}
	s := newTestScheduler(p, Options{})

	if _, err := s.RunPass(context.Background(), PassLight); err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}
	got := p.stages()
	if len(got) != 1 || got[0] != eventmanager.StageAggregation {
		t.Errorf("expected aggregation only, got %v", got)
	}
}

func TestRunPass_UnknownPass(t *testing.T) {
	s := newTestScheduler(&fakePipeline{}, Options{})
	if _, err := s.RunPass(context.Background(), "weekly"); err == nil {
		t.Fatal("expected error for unknown pass")
	}
}

func TestTryRun_BusyWhileAnotherRunHoldsTheLock(t *testing.T) {
	p := &fakePipeline{block: make(chan struct{}), entered: make(chan struct{})}
	s := newTestScheduler(p, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.TryRunPass(context.Background(), PassLight)
		done <- err
	}()
	<-p.entered

	_, err := s.TryRun(context.Background(), func(ctx context.Context) (eventmanager.RunResult, error) {
		t.Error("fn must not run while the pipeline is busy")
		return eventmanager.RunResult{}, nil
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := s.TryRunPass(context.Background(), PassFull); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for pass, got %v", err)
	}

	close(p.block)
	if err := <-done; err != nil {
		t.Fatalf("blocked run returned error: %v", err)
	}

	ran := false
	if _, err := s.TryRun(context.Background(), func(ctx context.Context) (eventmanager.RunResult, error) {
		ran = true
		return eventmanager.RunResult{}, nil
	}); err != nil || !ran {
		t.Fatalf("expected run after release, ran=%t err=%v", ran, err)
	}
}

func TestStart_TicksUntilStopped(t *testing.T) {
	p := &fakePipeline{}
	s := newTestScheduler(p, Options{LightInterval: 5 * time.Millisecond})

	stopped := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for len(p.stages()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected light passes to run, got %v", p.stages())
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Stop()
	s.Stop()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	for _, stage := range p.stages() {
		if stage != eventmanager.StageAggregation {
			t.Errorf("full pass is disabled, got stage %s", stage)
		}
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	s := newTestScheduler(&fakePipeline{}, Options{FullInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestRunPass_FullMergesEventFromEarlierMapping(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	ledger := inference.NewLedger(store.Usage(), logger)
	pool := keypool.NewPool(keypool.KeysFromSecrets([]string{"sk-a"}), nil, ledger, logger)
	gen := gateway.NewScriptedGenerator()
	collector, err := metrics.NewCollector()
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	cfg := eventmanager.DefaultConfig()
	cfg.AggregationDelay = 0
	manager := eventmanager.NewManager(store, gateway.New(pool, gen, ledger, collector, logger), cfg, collector, logger)

	eventOf := func(articleID string) string {
		m, err := store.Repos().Mappings.FindByArticle(ctx, articleID)
		if err != nil {
			return ""
		}
		return m.EventID
	}
	gen.Respond = func(call gateway.Call) (gateway.ScriptedReply, bool) {
		switch call.Template {
		case gateway.TemplateCluster:
			return gateway.ScriptedReply{Text: `{"clusters":[]}`}, true
		case gateway.TemplateMerge:
			return gateway.ScriptedReply{Text: `{"mergeGroups":[{"eventIds":["` + eventOf("a2") + `","` + eventOf("a1") +
				`"],"mergedTitle":"Port strike","mergedType":"labor","confidenceScore":0.9}]}`}, true
		case gateway.TemplateAggregate:
			return gateway.ScriptedReply{Text: `{"aggregatedSummary":"Dockworkers walked out.","discrepancies":"No significant discrepancies found","confidenceScore":0.75}`}, true
		}
		return gateway.ScriptedReply{}, false
	}

	save := func(id string) {
		summary := "Dockworkers strike at the port."
		err := store.Repos().Articles.Save(ctx, models.Article{ID: id, Title: "Strike " + id, Source: "wire", SummarizedContent: &summary})
		if err != nil {
			t.Fatalf("save article %s: %v", id, err)
		}
	}

	// a1 is mapped by a stand-alone run and never aggregated.
	save("a1")
	if _, err := manager.RunEventMapping(ctx); err != nil {
		t.Fatalf("RunEventMapping: %v", err)
	}

	save("a2")
	s := newTestScheduler(manager, Options{MergeWindowHours: 48})
	if _, err := s.RunPass(ctx, PassFull); err != nil {
		t.Fatalf("RunPass returned error: %v", err)
	}

	if n := gen.CallCount(gateway.TemplateMerge); n != 1 {
		t.Fatalf("expected one merge call, got %d", n)
	}
	events, err := store.Repos().Events.List(ctx, models.EventFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the two events to be merged, got %d", len(events))
	}
	merged := events[0]
	if merged.ArticleCount != 2 || !merged.IsProcessed || merged.Title != "Port strike" {
		t.Errorf("unexpected merged event %+v", merged)
	}
	if eventOf("a1") != merged.ID || eventOf("a2") != merged.ID {
		t.Errorf("expected both articles on %s", merged.ID)
	}
}
