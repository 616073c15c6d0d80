package models

import "time"

// MappingMethod records how an article was attached to its event.
type MappingMethod string

const (
	MappingMethodClustering MappingMethod = "AI_CLUSTERING"
	MappingMethodIndividual MappingMethod = "AI_INDIVIDUAL"
	MappingMethodMerging    MappingMethod = "AI_MERGING"
	MappingMethodManual     MappingMethod = "MANUAL"
)

// ArticleEventMapping joins an article to the single event it belongs to.
// An article appears in at most one mapping at any time.
type ArticleEventMapping struct {
	ID              string        `json:"id"`
	ArticleID       string        `json:"article_id"`
	EventID         string        `json:"event_id"`
	ConfidenceScore float64       `json:"confidence_score"`
	MappingMethod   MappingMethod `json:"mapping_method"`
	CreatedAt       time.Time     `json:"created_at"`
}
