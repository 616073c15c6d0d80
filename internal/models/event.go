package models

import (
	"strings"
	"time"
)

// Event is a cluster of articles describing one real-world news happening.
type Event struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	EventType         string    `json:"event_type"`
	AggregatedSummary *string   `json:"aggregated_summary,omitempty"`
	Discrepancies     *string   `json:"discrepancies,omitempty"`
	ArticleCount      int       `json:"article_count"`
	EventDate         time.Time `json:"event_date"`
	IsProcessed       bool      `json:"is_processed"`
	ConfidenceScore   float64   `json:"confidence_score"` // 0-1 scale
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

const (
	// EventTypeUncategorized tags singleton events created for articles the
	// clustering call did not cover.
	EventTypeUncategorized = "uncategorized"

	// NoDiscrepancySentinel is written when all sources agree. Its presence is
	// the read-side "no discrepancies" signal.
	NoDiscrepancySentinel = "No significant discrepancies found"
)

// HasDiscrepancies reports whether the event carries a discrepancy report
// other than the agreement sentinel.
func (e *Event) HasDiscrepancies() bool {
	if e.Discrepancies == nil {
		return false
	}
	text := strings.TrimSpace(*e.Discrepancies)
	if text == "" {
		return false
	}
	return !strings.Contains(strings.ToLower(text), strings.ToLower(NoDiscrepancySentinel))
}

// ClampScore bounds a model-provided score to [0, 1].
func ClampScore(score float64) float64 {
	switch {
	case score != score: // NaN
		return 0
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// EventView is the read-side projection of an event with its member articles.
type EventView struct {
	Event
	HasDiscrepancies bool      `json:"has_discrepancies"`
	Articles         []Article `json:"articles,omitempty"`
}

// EventFilter selects events for the read-side listing.
type EventFilter struct {
	Processed *bool
	Since     *time.Time
	Limit     int
	Offset    int
}
