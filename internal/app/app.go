// Package app assembles the application from its components: config in,
// running server out. Construction order follows the dependency graph;
// every provide function returns its component plus any cleanup.
package app

import (
	"context"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ingridandradedev/smart-query/api"
	"github.com/ingridandradedev/smart-query/internal/config"
	"github.com/ingridandradedev/smart-query/internal/orchestrator"
	"github.com/ingridandradedev/smart-query/internal/thread"
)

// App is the assembled application.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Genkit       *genkit.Genkit
	Embedder     ai.Embedder
	DBPool       *pgxpool.Pool
	Threads      *thread.Store
	Orchestrator *orchestrator.Orchestrator
	Server       *api.Server

	otelCleanup func()
}

// Close releases all resources in reverse construction order.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	return nil
}

// Serve runs the HTTP server until the context is cancelled.
func (a *App) Serve(ctx context.Context) error {
	return a.Server.Run(ctx, a.Config.ServeAddr)
}
