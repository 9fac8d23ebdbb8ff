package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/raido/internal/index"
	"github.com/starford/raido/internal/links"
	"github.com/starford/raido/internal/mcpserver"
	"github.com/starford/raido/internal/noteservice"
	"github.com/starford/raido/internal/recovery"
	"github.com/starford/raido/internal/storage"
	"github.com/starford/raido/internal/txn"
	"github.com/starford/raido/internal/wal"
)

// RunMCP starts the MCP stdio server with the same vault wiring as Run but
// no HTTP surface. Logs go to stderr because stdout is the MCP transport.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init index: %w", err)
	}
	defer db.Close()

	walStore := wal.NewStore(cfg.WAL.Dir, logger)
	scanner := links.NewVaultScanner(store, store.Root(), db)
	linkSvc := links.NewService(scanner, logger)
	manager := txn.NewManager(walStore, linkSvc, store.Root(), logger,
		txn.WithWriteRetries(cfg.Transaction.WriteRetries))

	recovery.Recover(ctx, walStore, manager, store.Root(), logger)

	if err := index.Sync(db, store, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	svc := noteservice.NewService(store, db, manager)
	srv := mcpserver.New(store, db, svc)

	logger.Info("MCP server starting on stdio", slog.String("vault_path", store.Root()))
	return srv.ServeStdio()
}
