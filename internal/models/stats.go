package models

// PipelineStats is the read-side summary of pipeline progress.
type PipelineStats struct {
	TotalArticles    int     `json:"total_articles"`
	MappedArticles   int     `json:"mapped_articles"`
	UnmappedArticles int     `json:"unmapped_articles"`
	TotalEvents      int     `json:"total_events"`
	ProcessedEvents  int     `json:"processed_events"`
	AvgConfidence    float64 `json:"avg_confidence"`
	AvgArticleCount  float64 `json:"avg_article_count"`
	CountMismatches  int     `json:"count_mismatches"`
}
