package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
)

// Window is the rolling period budgets are measured over.
const Window = time.Hour

// Health status values.
const (
	StatusHealthy  = "HEALTHY"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

// Key is one API credential. Only ID is ever written to the ledger.
type Key struct {
	ID     string
	Secret string
}

// KeysFromSecrets labels secrets key-1..key-N in configuration order.
func KeysFromSecrets(secrets []string) []Key {
	keys := make([]Key, 0, len(secrets))
	for i, s := range secrets {
		keys = append(keys, Key{ID: fmt.Sprintf("key-%d", i+1), Secret: s})
	}
	return keys
}

// UsageSource reports a key's consumption for one operation.
// *inference.Ledger satisfies it.
type UsageSource interface {
	Window(ctx context.Context, keyID string, op models.Operation, window time.Duration) (models.UsageWindow, error)
}

// Selection is the outcome of NextAvailable. Degraded is set when no key
// was under budget and the first key was returned anyway.
type Selection struct {
	Key      Key
	Degraded bool
}

// Pool selects credentials under their rolling-hour budgets. Selection
// rotates through the keys with a cursor so consecutive calls spread load.
type Pool struct {
	keys   []Key
	limits Limits
	usage  UsageSource
	logger *slog.Logger

	mu     sync.Mutex
	cursor int
}

// NewPool creates a pool over keys in their configured order.
func NewPool(keys []Key, limits Limits, usage UsageSource, logger *slog.Logger) *Pool {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Pool{
		keys:   keys,
		limits: limits,
		usage:  usage,
		logger: logger,
	}
}

// Size returns the number of configured keys.
func (p *Pool) Size() int {
	return len(p.keys)
}

// Limits returns the budget table in use.
func (p *Pool) Limits() Limits {
	return p.limits
}

// CanUse reports whether keyID is strictly below both the request and token
// ceilings for op over the trailing hour. Ledger errors count as unusable.
func (p *Pool) CanUse(ctx context.Context, keyID string, op models.Operation) bool {
	limit, ok := p.limits[op]
	if !ok {
		return false
	}

	w, err := p.usage.Window(ctx, keyID, op, Window)
	if err != nil {
		p.logger.Warn("failed to read key usage",
			"key_id", keyID,
			"operation", op,
			"error", err)
		return false
	}

	return w.Requests < limit.Requests && w.Tokens < limit.Tokens
}

// NextAvailable returns the next key, starting at the rotation cursor, that
// passes CanUse and advances the cursor past it. When no key passes, the
// first configured key is returned with Degraded set. It never fails.
func (p *Pool) NextAvailable(ctx context.Context, op models.Operation) Selection {
	p.mu.Lock()
	defer p.mu.Unlock()

	sel, idx := p.pick(ctx, op, p.cursor)
	if !sel.Degraded {
		p.cursor = (idx + 1) % len(p.keys)
	} else {
		p.logger.Warn("no key under budget, using degraded selection",
			"operation", op,
			"key_id", sel.Key.ID)
	}
	return sel
}

// Peek reports what NextAvailable would return without moving the cursor.
func (p *Pool) Peek(ctx context.Context, op models.Operation) Selection {
	p.mu.Lock()
	start := p.cursor
	p.mu.Unlock()

	sel, _ := p.pick(ctx, op, start)
	return sel
}

func (p *Pool) pick(ctx context.Context, op models.Operation, start int) (Selection, int) {
	if len(p.keys) == 0 {
		return Selection{Degraded: true}, 0
	}

	for i := 0; i < len(p.keys); i++ {
		idx := (start + i) % len(p.keys)
		if p.CanUse(ctx, p.keys[idx].ID, op) {
			return Selection{Key: p.keys[idx]}, idx
		}
	}
	return Selection{Key: p.keys[0], Degraded: true}, 0
}

// Health is a point-in-time view of the pool derived from the ledger.
type Health struct {
	Status         string                   `json:"status"`
	TotalKeys      int                      `json:"total_keys"`
	AvailableCount int                      `json:"available_count"`
	PerKey         map[string]bool          `json:"per_key"`
	PerOperation   map[models.Operation]int `json:"per_operation"`
}

// Health classifies the pool. A key counts as available when it is under
// budget for every operation.
func (p *Pool) Health(ctx context.Context) Health {
	h := Health{
		TotalKeys:    len(p.keys),
		PerKey:       make(map[string]bool, len(p.keys)),
		PerOperation: make(map[models.Operation]int, len(p.limits)),
	}

	for _, op := range models.Operations() {
		h.PerOperation[op] = 0
	}

	for _, key := range p.keys {
		usable := true
		for _, op := range models.Operations() {
			if p.CanUse(ctx, key.ID, op) {
				h.PerOperation[op]++
			} else {
				usable = false
			}
		}
		h.PerKey[key.ID] = usable
		if usable {
			h.AvailableCount++
		}
	}

	h.Status = classify(h.AvailableCount)
	return h
}

func classify(available int) string {
	switch {
	case available > 3:
		return StatusHealthy
	case available >= 2:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// Recommendation is the key the pool would pick next for an operation.
type Recommendation struct {
	Operation models.Operation `json:"operation"`
	KeyID     string           `json:"key_id"`
	Degraded  bool             `json:"degraded"`
	Limit     Limit            `json:"limit"`
}

// Recommendations returns one recommendation per operation.
func (p *Pool) Recommendations(ctx context.Context) []Recommendation {
	recs := make([]Recommendation, 0, len(models.Operations()))
	for _, op := range models.Operations() {
		sel := p.Peek(ctx, op)
		recs = append(recs, Recommendation{
			Operation: op,
			KeyID:     sel.Key.ID,
			Degraded:  sel.Degraded,
			Limit:     p.limits[op],
		})
	}
	return recs
}
