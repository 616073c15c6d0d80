package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/STRATINT/eventdesk/internal/inference"
	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/STRATINT/eventdesk/internal/metrics"
)

// noKeyID is written to the ledger when the pool has no keys configured.
const noKeyID = "none"

// Request is one templated model invocation.
type Request struct {
	Template TemplateID
	Vars     Vars
	// SubjectID is recorded in the ledger: an article id, an event id, or
	// the batch size for batch calls.
	SubjectID string
}

// Gateway renders prompts, picks a key, calls the generator, records the
// call in the ledger and decodes the JSON answer into a result schema.
type Gateway struct {
	prompts   *Prompts
	pool      *keypool.Pool
	generator Generator
	ledger    *inference.Ledger
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New creates a gateway. collector may be nil.
func New(pool *keypool.Pool, generator Generator, ledger *inference.Ledger, collector *metrics.Collector, logger *slog.Logger) *Gateway {
	return &Gateway{
		prompts:   NewPrompts(),
		pool:      pool,
		generator: generator,
		ledger:    ledger,
		metrics:   collector,
		logger:    logger,
	}
}

// Invoke runs req and unmarshals the first JSON value in the answer into out.
// It returns *CallError when the external call fails and *ParseError when
// the answer cannot be decoded into out or fails out's Validate. Both cases,
// and success, write exactly one ledger entry. A template rendering failure
// is returned before any call is made and is not recorded.
func (g *Gateway) Invoke(ctx context.Context, req Request, out any) error {
	op := req.Template.Operation()
	if op == "" {
		return fmt.Errorf("unknown template %q", req.Template)
	}

	prompt, err := g.prompts.Render(req.Template, req.Vars)
	if err != nil {
		return err
	}

	sel := g.pool.NextAvailable(ctx, op)
	keyID := sel.Key.ID
	if keyID == "" {
		keyID = noKeyID
	}
	tokens := inference.EstimateTokens(prompt)

	start := time.Now()
	raw, genErr := g.generator.Generate(ctx, Call{
		Key:      sel.Key,
		Template: req.Template,
		Prompt:   prompt,
		Vars:     req.Vars,
	})

	var result error
	outcome := "success"
	if genErr != nil {
		result = &CallError{Template: req.Template, KeyID: keyID, Err: genErr}
		outcome = "call_error"
	} else if perr := decode(raw, out); perr != nil {
		result = &ParseError{Template: req.Template, Raw: raw, Err: perr}
		outcome = "parse_error"
	}

	_ = g.ledger.Record(ctx, inference.RecordParams{
		KeyID:         keyID,
		Operation:     op,
		SubjectID:     req.SubjectID,
		TokenEstimate: tokens,
		Err:           result,
	})
	g.metrics.ObserveAICall(string(op), outcome, tokens)

	attrs := []any{
		"template", req.Template,
		"key_id", keyID,
		"subject_id", req.SubjectID,
		"token_estimate", tokens,
		"degraded", sel.Degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	}

	var parseErr *ParseError
	switch {
	case result == nil:
		g.logger.Debug("model call succeeded", attrs...)
	case errors.As(result, &parseErr):
		g.logger.Warn("model response could not be parsed",
			append(attrs, "error", parseErr.Err, "raw", parseErr.Snippet())...)
	default:
		g.logger.Warn("model call failed", append(attrs, "error", genErr)...)
	}

	return result
}

func decode(raw string, out any) error {
	payload, ok := ExtractJSON(raw)
	if !ok {
		return errors.New("no JSON object or array found in response")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
