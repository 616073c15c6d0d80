package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/eventdesk/internal/models"
	"github.com/STRATINT/eventdesk/internal/storage"
)

const maxArticleBody = 10 << 20

// ArticleHandler accepts articles from the scraping collaborator.
type ArticleHandler struct {
	articles storage.ArticleRepository
	logger   *slog.Logger
}

func NewArticleHandler(articles storage.ArticleRepository, logger *slog.Logger) *ArticleHandler {
	return &ArticleHandler{
		articles: articles,
		logger:   logger,
	}
}

// UpsertArticlesResponse reports which articles were stored. Unchanged
// lists ids that were already summarized and so kept as they were.
type UpsertArticlesResponse struct {
	Saved     int      `json:"saved"`
	IDs       []string `json:"ids"`
	Unchanged []string `json:"unchanged"`
}

// UpsertArticles handles POST /api/admin/articles. The body is one article
// or an array of articles; each is inserted or replaced by id unless the
// stored article is already summarized. The batch is validated as a whole
// before anything is saved.
func (h *ArticleHandler) UpsertArticles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	articles, err := decodeArticles(http.MaxBytesReader(w, r.Body, maxArticleBody))
	if err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(articles) == 0 {
		http.Error(w, "At least one article is required", http.StatusBadRequest)
		return
	}

	for i := range articles {
		if err := ValidateArticle(&articles[i]); err != nil {
			var ve ValidationError
			if errors.As(err, &ve) {
				writeJSON(w, h.logger, http.StatusBadRequest, map[string]any{
					"error": ve.Message,
					"field": ve.Field,
					"index": i,
				})
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	resp := UpsertArticlesResponse{IDs: make([]string, 0, len(articles)), Unchanged: []string{}}
	for _, article := range articles {
		if article.CreatedAt.IsZero() {
			article.CreatedAt = time.Now().UTC()
		}
		saved, err := h.articles.Upsert(r.Context(), article)
		if err != nil {
			h.logger.Error("failed to save article", "article_id", article.ID, "error", err)
			http.Error(w, "Failed to save article "+article.ID, http.StatusInternalServerError)
			return
		}
		if !saved {
			h.logger.Debug("article already summarized, left unchanged", "article_id", article.ID)
			resp.Unchanged = append(resp.Unchanged, article.ID)
			continue
		}
		resp.Saved++
		resp.IDs = append(resp.IDs, article.ID)
	}

	h.logger.Info("articles upserted", "count", resp.Saved, "unchanged", len(resp.Unchanged))
	writeJSON(w, h.logger, http.StatusOK, resp)
}

func decodeArticles(r io.Reader) ([]models.Article, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var articles []models.Article
		if err := json.Unmarshal(trimmed, &articles); err != nil {
			return nil, err
		}
		return articles, nil
	}

	var article models.Article
	if err := json.Unmarshal(trimmed, &article); err != nil {
		return nil, err
	}
	return []models.Article{article}, nil
}
