package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ingridandradedev/smart-query/api"
	"github.com/ingridandradedev/smart-query/db"
	"github.com/ingridandradedev/smart-query/internal/config"
	"github.com/ingridandradedev/smart-query/internal/log"
	"github.com/ingridandradedev/smart-query/internal/observability"
	"github.com/ingridandradedev/smart-query/internal/orchestrator"
	"github.com/ingridandradedev/smart-query/internal/reasoner"
	"github.com/ingridandradedev/smart-query/internal/thread"
	"github.com/ingridandradedev/smart-query/internal/tools"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup. Call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}

	logger := provideLogger(cfg)
	a.Logger = logger

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing must be registered before Genkit initialization so spans
	// created by Generate calls reach the exporter.
	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	a.Embedder = embedder

	a.Threads = thread.NewStore(thread.NewQuerier(pool), pool, logger)

	orc, err := provideOrchestrator(a, embedder)
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orc

	a.Server = api.NewServer(orc, a.Threads, pool, cfg.DefaultSchema, logger)

	return a, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// provideOtelShutdown wires OTLP trace export. An empty endpoint disables
// export entirely; a failing collector degrades to a no-op.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	if cfg.OTLPEndpoint == "" {
		logger.Debug("tracing disabled, no OTLP endpoint configured")
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
	}, logger)
	if err != nil {
		logger.Warn("setting up tracing, continuing without export", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the Google AI plugin. The plugin
// reads GEMINI_API_KEY from the environment.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, fmt.Errorf("initializing genkit with model %q", cfg.ModelName)
	}
	logger.Info("initialized genkit", "model", cfg.ModelName)
	return g, nil
}

// provideOrchestrator assembles the turn loop from its tool executors.
func provideOrchestrator(a *App, embedder ai.Embedder) (*orchestrator.Orchestrator, error) {
	cfg := a.Config
	logger := a.Logger

	sqlRunner, err := tools.NewSQLRunner(a.DBPool, cfg.SQLMaxRows, cfg.ToolTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("creating sql runner: %w", err)
	}

	retriever, err := tools.NewRetriever(embedder, tools.NewKnowledgeQuerier(a.DBPool), cfg.RetrievalTopK, logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge retriever: %w", err)
	}

	searcher, err := provideSearcher(cfg, logger)
	if err != nil {
		return nil, err
	}

	engine, err := reasoner.New(reasoner.Config{
		Genkit:    a.Genkit,
		Logger:    logger,
		ModelName: cfg.ModelName,
	})
	if err != nil {
		return nil, fmt.Errorf("creating reasoner: %w", err)
	}

	orc, err := orchestrator.New(a.Threads, engine, sqlRunner, retriever, searcher, orchestrator.Config{
		MaxIterations:     cfg.MaxIterations,
		MaxHistoryTurns:   cfg.MaxHistoryTurns,
		MaxSearchResults:  cfg.MaxSearchResults,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	return orc, nil
}

// Fallback search endpoints used when the config leaves search_endpoint
// empty.
const (
	defaultAPISearchEndpoint  = "https://api.tavily.com/search"
	defaultHTMLSearchEndpoint = "https://html.duckduckgo.com/html/"
)

func provideSearcher(cfg *config.Config, logger *slog.Logger) (tools.Searcher, error) {
	endpoint := cfg.SearchEndpoint

	switch cfg.SearchProvider {
	case config.SearchProviderHTML:
		if endpoint == "" {
			endpoint = defaultHTMLSearchEndpoint
		}
		s, err := tools.NewHTMLSearcher(endpoint, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("creating html searcher: %w", err)
		}
		return s, nil
	case config.SearchProviderAPI:
		if endpoint == "" {
			endpoint = defaultAPISearchEndpoint
		}
		s, err := tools.NewAPISearcher(endpoint, cfg.SearchAPIKey, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("creating api searcher: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.SearchProvider)
	}
}
