package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/stepwise/internal/definition"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/manufacturing"
	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// app bundles the wired components every subcommand works against.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	registry *registry.Registry
	executor *engine.Executor
}

// newApp opens and migrates the store, populates the registry, and builds the
// executor. Call close when done.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		registry: reg,
		executor: engine.NewExecutor(reg, s, cfg.engineConfig(), logger),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

// buildRegistry registers the built-in workflow types and, when configured,
// the declarative definitions file. Definitions may reference the built-in
// steps as "manufacturing.<step>".
func buildRegistry(cfg Config, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New()
	if err := manufacturing.Register(reg); err != nil {
		return nil, err
	}
	if cfg.Definitions == "" {
		return reg, nil
	}

	catalog := definition.NewCatalog()
	if err := catalog.AddNamespace("manufacturing", manufacturing.Config()); err != nil {
		return nil, err
	}
	compiler, err := definition.NewCompiler(catalog, logger)
	if err != nil {
		return nil, err
	}
	if _, err := compiler.LoadFile(reg, cfg.Definitions); err != nil {
		return nil, err
	}
	return reg, nil
}

// openStore constructs the configured store backend.
func openStore(ctx context.Context, sc StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch sc.Driver {
	case driverMemory:
		return store.NewMemoryStore(), nil
	case driverPostgres:
		return store.NewPostgresStore(ctx, sc.DSN)
	case driverBadger:
		if err := os.MkdirAll(sc.DSN, 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create badger dir %s", sc.DSN).WithCause(err)
		}
		return store.NewBadgerStore(sc.DSN, logger)
	case driverLibSQL:
		path := strings.TrimPrefix(sc.DSN, "file:")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create db dir for %s", path).WithCause(err)
		}
		return store.NewLibSQLStore("file:" + path)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown store driver %q", sc.Driver)
	}
}
