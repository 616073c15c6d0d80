package models

import (
	"strings"
	"time"
)

// Article is a scraped news article delivered by the ingestion collaborator.
// The pipeline only reads articles, except for filling SummarizedContent.
type Article struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Content           string     `json:"content"`
	SummarizedContent *string    `json:"summarized_content,omitempty"`
	Source            string     `json:"source"`
	URL               string     `json:"url,omitempty"`
	PublishedAt       *time.Time `json:"published_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// IsSummarized reports whether the article carries a non-blank summary.
func (a *Article) IsSummarized() bool {
	return a.SummarizedContent != nil && strings.TrimSpace(*a.SummarizedContent) != ""
}

// SummaryOrTitle returns the summary when present, otherwise the title.
func (a *Article) SummaryOrTitle() string {
	if a.IsSummarized() {
		return *a.SummarizedContent
	}
	return a.Title
}
