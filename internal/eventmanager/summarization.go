package eventmanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/STRATINT/eventdesk/internal/gateway"
)

// RunSummarization summarizes up to limit articles that have no summary
// yet, one model call per article. A non-positive limit uses the configured
// batch size. Failed articles stay unsummarized for the next run.
func (m *Manager) RunSummarization(ctx context.Context, limit int) (result RunResult, err error) {
	result = m.begin(StageSummarization)
	defer func() { m.finish(&result, err) }()

	if limit <= 0 {
		limit = m.config.SummarizeBatch
	}

	repos := m.store.Repos()
	articles, err := repos.Articles.FindUnsummarized(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("failed to find unsummarized articles: %w", err)
	}

	result.Candidates = len(articles)
	if len(articles) == 0 {
		result.Idle = true
		result.Message = "nothing to do: no unsummarized articles"
		return result, nil
	}

	for _, article := range articles {
		if strings.TrimSpace(article.Content) == "" && strings.TrimSpace(article.Title) == "" {
			result.Skipped++
			m.logger.Warn("skipping article without content", "article_id", article.ID)
			continue
		}

		var out gateway.SummaryResult
		err := m.ai.Invoke(ctx, gateway.Request{
			Template: gateway.TemplateSummarize,
			Vars: gateway.Vars{
				"Source":  article.Source,
				"Title":   article.Title,
				"Content": article.Content,
			},
			SubjectID: article.ID,
		}, &out)
		if err != nil {
			result.Failed++
			m.logger.Error("failed to summarize article", "article_id", article.ID, "failure", failureKind(err), "error", err)
			if ctx.Err() != nil {
				result.Message = fmt.Sprintf("interrupted after summarizing %d articles", result.Processed)
				return result, ctx.Err()
			}
			continue
		}

		summary := strings.TrimSpace(out.Summary)
		article.SummarizedContent = &summary
		if err := repos.Articles.Save(ctx, article); err != nil {
			result.Failed++
			m.logger.Error("failed to save article summary", "article_id", article.ID, "error", err)
			continue
		}
		result.Processed++
	}

	result.Message = fmt.Sprintf("summarized %d, skipped %d, failed %d of %d articles",
		result.Processed, result.Skipped, result.Failed, len(articles))
	return result, nil
}
