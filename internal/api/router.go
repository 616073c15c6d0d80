package api

import (
	"log/slog"
	"net/http"

	"github.com/STRATINT/eventdesk/internal/auth"
	"github.com/STRATINT/eventdesk/internal/eventmanager"
	"github.com/STRATINT/eventdesk/internal/inference"
	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/STRATINT/eventdesk/internal/metrics"
	"github.com/STRATINT/eventdesk/internal/storage"
)

// Dependencies are the components the HTTP surface is built from.
// Auth may be nil, in which case admin routes are not registered.
type Dependencies struct {
	Manager          *eventmanager.Manager
	Runner           PipelineRunner
	Articles         storage.ArticleRepository
	Ledger           *inference.Ledger
	Pool             *keypool.Pool
	Metrics          *metrics.Collector
	Auth             *auth.Authenticator
	MergeWindowHours int
	Logger           *slog.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(mux *http.ServeMux, deps Dependencies) {
	handler := NewHandler(deps.Manager, deps.Logger)

	// Public read side
	mux.HandleFunc("/api/events", withCORS(handler.GetEventsHandler))
	mux.HandleFunc("/api/events/", withCORS(handler.GetEventByIDHandler))
	mux.HandleFunc("/api/stats", withCORS(handler.GetStatsHandler))

	if deps.Auth == nil {
		deps.Logger.Warn("admin credentials not configured; admin routes disabled")
		return
	}

	authHandler := NewAuthHandler(deps.Auth, deps.Logger)
	pipelineHandler := NewPipelineHandler(deps.Manager, deps.Runner, deps.MergeWindowHours, deps.Logger)
	articleHandler := NewArticleHandler(deps.Articles, deps.Logger)
	usageHandler := NewUsageHandler(deps.Ledger, deps.Pool, deps.Metrics, deps.Logger)

	admin := func(h http.HandlerFunc) http.HandlerFunc {
		protected := deps.Auth.Middleware(h)
		return withCORS(protected.ServeHTTP)
	}

	// Authentication routes
	mux.HandleFunc("/api/auth/login", withCORS(authHandler.Login))
	mux.HandleFunc("/api/auth/validate", admin(authHandler.ValidateToken))

	// Admin routes
	mux.HandleFunc("/api/admin/pipeline/", admin(pipelineHandler.HandlePipeline))
	mux.HandleFunc("/api/admin/articles", admin(articleHandler.UpsertArticles))
	mux.HandleFunc("/api/admin/usage", admin(usageHandler.ListUsage))
	mux.HandleFunc("/api/admin/usage/stats", admin(usageHandler.GetUsageStats))
	mux.HandleFunc("/api/admin/keys/health", admin(usageHandler.GetKeyHealth))
}

// withCORS sets permissive CORS headers and answers preflight requests.
func withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
