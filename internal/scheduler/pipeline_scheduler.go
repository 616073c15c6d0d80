package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/STRATINT/eventdesk/internal/eventmanager"
)

// ErrBusy is returned by TryRun when another run holds the pipeline.
var ErrBusy = errors.New("pipeline run already in progress")

// Pass names.
const (
	PassFull  = "full"
	PassLight = "light"
)

// Pipeline is the set of stages the scheduler drives.
// *eventmanager.Manager implements it.
type Pipeline interface {
	RunSummarization(ctx context.Context, limit int) (eventmanager.RunResult, error)
	RunEventMapping(ctx context.Context) (eventmanager.RunResult, error)
	RunAggregation(ctx context.Context) (eventmanager.RunResult, error)
	RunMerge(ctx context.Context, windowHours int) (eventmanager.RunResult, error)
}

// Options configures a PipelineScheduler.
type Options struct {
	FullInterval     time.Duration
	LightInterval    time.Duration
	MergeWindowHours int
}

// PipelineScheduler runs the full pass (summarize, map, merge, aggregate) and
// the light pass (aggregate) on their own tickers. Every run, scheduled or
// triggered, holds one mutex so no two stages ever overlap.
type PipelineScheduler struct {
	pipeline Pipeline
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewPipelineScheduler creates a scheduler. Non-positive intervals disable
// the corresponding pass.
func NewPipelineScheduler(pipeline Pipeline, opts Options, logger *slog.Logger) *PipelineScheduler {
	return &PipelineScheduler{
		pipeline: pipeline,
		opts:     opts,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop is called or ctx is done.
// A tick that finds the pipeline busy is skipped, not queued.
func (s *PipelineScheduler) Start(ctx context.Context) {
	s.logger.Info("starting pipeline scheduler",
		"full_interval", s.opts.FullInterval,
		"light_interval", s.opts.LightInterval)

	fullC := tickerChan(s.opts.FullInterval)
	lightC := tickerChan(s.opts.LightInterval)

	for {
		select {
		case <-fullC.c:
			s.runScheduled(ctx, PassFull, s.fullPass)
		case <-lightC.c:
			s.runScheduled(ctx, PassLight, s.lightPass)
		case <-s.stopChan:
			fullC.stop()
			lightC.stop()
			s.logger.Info("pipeline scheduler stopped")
			return
		case <-ctx.Done():
			fullC.stop()
			lightC.stop()
			s.logger.Info("pipeline scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler loop. It is safe to call more than once.
func (s *PipelineScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// TryRun runs fn under the pipeline lock, or returns ErrBusy immediately
// when another run holds it.
func (s *PipelineScheduler) TryRun(ctx context.Context, fn func(ctx context.Context) (eventmanager.RunResult, error)) (eventmanager.RunResult, error) {
	if !s.mu.TryLock() {
		return eventmanager.RunResult{}, ErrBusy
	}
	defer s.mu.Unlock()
	return fn(ctx)
}

// TryRunPass runs a named pass under the pipeline lock, or returns ErrBusy.
func (s *PipelineScheduler) TryRunPass(ctx context.Context, pass string) ([]eventmanager.RunResult, error) {
	run, err := s.passFunc(pass)
	if err != nil {
		return nil, err
	}
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()
	return run(ctx)
}

// RunPass waits for the pipeline lock and runs a named pass.
func (s *PipelineScheduler) RunPass(ctx context.Context, pass string) ([]eventmanager.RunResult, error) {
	run, err := s.passFunc(pass)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return run(ctx)
}

func (s *PipelineScheduler) passFunc(pass string) (func(context.Context) ([]eventmanager.RunResult, error), error) {
	switch pass {
	case PassFull:
		return s.fullPass, nil
	case PassLight:
		return s.lightPass, nil
	default:
		return nil, fmt.Errorf("unknown pass %q", pass)
	}
}

func (s *PipelineScheduler) runScheduled(ctx context.Context, pass string, run func(context.Context) ([]eventmanager.RunResult, error)) {
	if !s.mu.TryLock() {
		s.logger.Warn("skipping scheduled pass: pipeline busy", "pass", pass)
		return
	}
	defer s.mu.Unlock()

	start := time.Now()
	results, err := run(ctx)
	if err != nil {
		s.logger.Error("scheduled pass failed", "pass", pass, "stages", len(results), "error", err)
		return
	}
	s.logger.Info("scheduled pass complete",
		"pass", pass,
		"stages", len(results),
		"duration_ms", time.Since(start).Milliseconds())
}

// fullPass runs every stage in order. Merge runs before aggregation
// because only unprocessed events are merge candidates. A failing stage does
// not stop the stages after it unless ctx is done.
func (s *PipelineScheduler) fullPass(ctx context.Context) ([]eventmanager.RunResult, error) {
	stages := []func(context.Context) (eventmanager.RunResult, error){
		func(ctx context.Context) (eventmanager.RunResult, error) { return s.pipeline.RunSummarization(ctx, 0) },
		s.pipeline.RunEventMapping,
		func(ctx context.Context) (eventmanager.RunResult, error) {
			return s.pipeline.RunMerge(ctx, s.opts.MergeWindowHours)
		},
		s.pipeline.RunAggregation,
	}

	results := make([]eventmanager.RunResult, 0, len(stages))
	var errs []error
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result, err := stage(ctx)
		results = append(results, result)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", result.Stage, err))
		}
	}
	return results, errors.Join(errs...)
}

func (s *PipelineScheduler) lightPass(ctx context.Context) ([]eventmanager.RunResult, error) {
	result, err := s.pipeline.RunAggregation(ctx)
	if err != nil {
		return []eventmanager.RunResult{result}, fmt.Errorf("%s: %w", result.Stage, err)
	}
	return []eventmanager.RunResult{result}, nil
}

type optionalTicker struct {
	c    <-chan time.Time
	stop func()
}

// tickerChan returns a nil channel, which never fires, for disabled passes.
func tickerChan(interval time.Duration) optionalTicker {
	if interval <= 0 {
		return optionalTicker{stop: func() {}}
	}
	t := time.NewTicker(interval)
	return optionalTicker{c: t.C, stop: t.Stop}
}
