package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/STRATINT/eventdesk/internal/models"
)

// MockGenerator answers every template with rule-based JSON so the pipeline
// can run end to end without a provider. Articles with the same normalized
// title cluster together and merges are never proposed.
type MockGenerator struct{}

// NewMockGenerator creates a rule-based generator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

type mockArticle struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

func (m *MockGenerator) Generate(ctx context.Context, call Call) (string, error) {
	var out any

	switch call.Template {
	case TemplateSummarize:
		content, _ := call.Vars["Content"].(string)
		title, _ := call.Vars["Title"].(string)
		out = SummaryResult{Summary: firstSentences(content, title, 3)}

	case TemplateCluster:
		articles, err := decodeMockArticles(call.Vars["Articles"])
		if err != nil {
			return "", err
		}
		out = ClusterResult{Clusters: clusterByTitle(articles)}

	case TemplateAggregate:
		articles, err := decodeMockArticles(call.Vars["Articles"])
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(articles))
		for _, a := range articles {
			text := a.Summary
			if text == "" {
				text = a.Title
			}
			parts = append(parts, fmt.Sprintf("%s reports: %s", a.Source, text))
		}
		confidence := 0.7
		out = AggregationResult{
			AggregatedSummary: strings.Join(parts, " "),
			Discrepancies:     models.NoDiscrepancySentinel,
			ConfidenceScore:   &confidence,
			Methodology:       "Concatenated source summaries without comparison.",
		}

	case TemplateMerge:
		out = MergeResult{MergeGroups: []MergeGroup{}}

	default:
		return "", fmt.Errorf("mock generator: unknown template %q", call.Template)
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMockArticles(v any) ([]mockArticle, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("mock generator: articles variable is not JSON text")
	}
	var articles []mockArticle
	if err := json.Unmarshal([]byte(raw), &articles); err != nil {
		return nil, fmt.Errorf("mock generator: %w", err)
	}
	return articles, nil
}

func clusterByTitle(articles []mockArticle) []Cluster {
	groups := make(map[string][]FlexibleID)
	titles := make(map[string]string)
	var order []string

	for _, a := range articles {
		key := strings.Join(strings.Fields(strings.ToLower(a.Title)), " ")
		if _, seen := groups[key]; !seen {
			order = append(order, key)
			titles[key] = a.Title
		}
		groups[key] = append(groups[key], FlexibleID(a.ID))
	}

	clusters := []Cluster{}
	for _, key := range order {
		ids := groups[key]
		if len(ids) < 2 {
			continue
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		clusters = append(clusters, Cluster{
			EventTitle:      titles[key],
			EventType:       "other",
			ConfidenceScore: 0.6,
			ArticleIDs:      ids,
		})
	}
	return clusters
}

func firstSentences(content, fallback string, n int) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return fallback
	}

	count := 0
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == n {
				return content[:i+1]
			}
		}
	}
	return content
}
