// Package app wires the pipeline components from configuration. Both the
// HTTP server and the pipelinectl CLI are built on it.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/eventdesk/internal/api"
	"github.com/STRATINT/eventdesk/internal/auth"
	"github.com/STRATINT/eventdesk/internal/cloudsql"
	"github.com/STRATINT/eventdesk/internal/config"
	"github.com/STRATINT/eventdesk/internal/database"
	"github.com/STRATINT/eventdesk/internal/eventmanager"
	"github.com/STRATINT/eventdesk/internal/gateway"
	"github.com/STRATINT/eventdesk/internal/inference"
	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/STRATINT/eventdesk/internal/logging"
	"github.com/STRATINT/eventdesk/internal/metrics"
	"github.com/STRATINT/eventdesk/internal/scheduler"
	"github.com/STRATINT/eventdesk/internal/storage"
)

// App holds the wired components.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Ledger    *inference.Ledger
	Pool      *keypool.Pool
	Gateway   *gateway.Gateway
	Manager   *eventmanager.Manager
	Scheduler *scheduler.PipelineScheduler
	Metrics   *metrics.Collector
	Auth      *auth.Authenticator

	db *sql.DB
}

// New connects the store and builds every component. Close releases the
// database connection.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	a.Metrics = collector

	limits, err := keypool.LoadLimits(cfg.AI.LimitsFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	generator, err := NewGenerator(cfg.AI)
	if err != nil {
		a.Close()
		return nil, err
	}

	secrets := cfg.AI.APIKeys
	if len(secrets) == 0 && cfg.AI.Provider == config.ProviderMock {
		// The mock generator ignores the key but the ledger still wants a label.
		secrets = []string{"mock"}
	}

	a.Ledger = inference.NewLedger(a.Store.Usage(), logging.Component(logger, "ledger"))
	a.Pool = keypool.NewPool(keypool.KeysFromSecrets(secrets), limits, a.Ledger, logging.Component(logger, "keypool"))
	a.Gateway = gateway.New(a.Pool, generator, a.Ledger, collector, logging.Component(logger, "gateway"))

	a.Manager = eventmanager.NewManager(a.Store, a.Gateway, eventmanager.Config{
		AggregationDelay:   cfg.Pipeline.AggregationDelay,
		MergeWindow:        time.Duration(cfg.Pipeline.MergeWindowHours) * time.Hour,
		MergeMinConfidence: eventmanager.DefaultConfig().MergeMinConfidence,
		SummarizeBatch:     eventmanager.DefaultConfig().SummarizeBatch,
	}, collector, logging.Component(logger, "pipeline"))

	a.Scheduler = scheduler.NewPipelineScheduler(a.Manager, scheduler.Options{
		FullInterval:     cfg.Scheduler.FullInterval,
		LightInterval:    cfg.Scheduler.LightInterval,
		MergeWindowHours: cfg.Pipeline.MergeWindowHours,
	}, logging.Component(logger, "scheduler"))

	if cfg.Auth.AdminEnabled() {
		a.Auth, err = auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AdminPassword, 0)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	logger.Info("pipeline wired",
		"ai_provider", cfg.AI.Provider,
		"keys", a.Pool.Size(),
		"admin_enabled", a.Auth != nil)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config.Database
	if cfg.URL == "" {
		a.Logger.Warn("no database configured; using in-memory store")
		a.Store = storage.NewMemoryStore()
		return nil
	}

	a.Logger.Info("database configuration", "config", cloudsql.Describe(cfg.URL))

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.URL
	dbCfg.MaxConnections = cfg.MaxConnections
	if dbCfg.MaxIdleConnections > dbCfg.MaxConnections {
		dbCfg.MaxIdleConnections = dbCfg.MaxConnections
	}

	db, err := database.Connect(ctx, dbCfg)
	if err != nil {
		return err
	}
	if err := database.RunMigrations(ctx, db, logging.Component(a.Logger, "migrations")); err != nil {
		db.Close()
		return err
	}

	a.db = db
	a.Store = database.NewStore(db)
	a.Logger.Info("database connected")
	return nil
}

// NewGenerator returns the text generator for the configured provider.
func NewGenerator(cfg config.AIConfig) (gateway.Generator, error) {
	model := gateway.ModelConfig{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return gateway.NewOpenAIGenerator(model), nil
	case config.ProviderAnthropic:
		return gateway.NewAnthropicGenerator(model), nil
	case config.ProviderMock, "":
		return gateway.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

// Handler returns the full HTTP surface: API routes, health and metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.healthz)
	mux.Handle("/metrics", a.Metrics.Handler())

	api.SetupRoutes(mux, api.Dependencies{
		Manager:          a.Manager,
		Runner:           a.Scheduler,
		Articles:         a.Store.Repos().Articles,
		Ledger:           a.Ledger,
		Pool:             a.Pool,
		Metrics:          a.Metrics,
		Auth:             a.Auth,
		MergeWindowHours: a.Config.Pipeline.MergeWindowHours,
		Logger:           logging.Component(a.Logger, "api"),
	})

	return a.Metrics.InstrumentHandler(mux)
}

// healthResponse is the body of /healthz. Pool carries connection pool
// statistics when a database is configured.
type healthResponse struct {
	Status string         `json:"status"`
	Store  string         `json:"store"`
	Pool   map[string]any `json:"pool,omitempty"`
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "memory"}
	code := http.StatusOK
	if a.db != nil {
		resp.Store = "postgres"
		resp.Pool = a.DBStats()
		if err := database.HealthCheck(r.Context(), a.db); err != nil {
			a.Logger.Error("health check failed", "error", err)
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.Logger.Error("failed to encode health response", "error", err)
	}
}

// DBStats returns connection pool statistics, or nil for the memory store.
func (a *App) DBStats() map[string]any {
	if a.db == nil {
		return nil
	}
	return database.Stats(a.db)
}

// Close releases the database connection, if any.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
