package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/STRATINT/eventdesk/internal/models"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateArticle checks an article delivered by the ingestion collaborator.
func ValidateArticle(article *models.Article) error {
	if strings.TrimSpace(article.ID) == "" {
		return ValidationError{Field: "id", Message: "Article ID is required"}
	}

	if strings.TrimSpace(article.Title) == "" {
		return ValidationError{Field: "title", Message: "Title is required"}
	}

	if strings.TrimSpace(article.Source) == "" {
		return ValidationError{Field: "source", Message: "Source is required"}
	}

	if strings.TrimSpace(article.Content) == "" && !article.IsSummarized() {
		return ValidationError{Field: "content", Message: "Content or summarized_content is required"}
	}

	if article.URL != "" {
		if err := ValidateURL(article.URL); err != nil {
			return err
		}
	}

	return nil
}

// ValidateURL validates a URL string
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return ValidationError{Field: "url", Message: "URL is required"}
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return ValidationError{Field: "url", Message: "Invalid URL format"}
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return ValidationError{Field: "url", Message: "URL must use http or https scheme"}
	}

	if parsedURL.Host == "" {
		return ValidationError{Field: "url", Message: "URL must have a host"}
	}

	return nil
}
