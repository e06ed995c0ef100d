package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/cyp0633/calcore/engine"
	"github.com/cyp0633/calcore/engine/access"
	indexsqlite "github.com/cyp0633/calcore/engine/index/sqlite"
	"github.com/cyp0633/calcore/engine/storage"
	"github.com/cyp0633/calcore/engine/storage/memory"
	storesqlite "github.com/cyp0633/calcore/engine/storage/sqlite"
	"github.com/cyp0633/calcore/internal/config"
)

// app is the wired engine of one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	dir    *access.StaticDirectory
	store  storage.Store
	index  *indexsqlite.DB
	engine *engine.Manager
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadOrDefault(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	a := &app{cfg: cfg, logger: logger, dir: cfg.Directory()}

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		st, err := storesqlite.Open(cfg.Storage.Path, storesqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.store = st
	default:
		a.store = memory.New(memory.WithLogger(logger))
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Index.Enabled() {
		ix, err := indexsqlite.Open(cfg.Index.Path, indexsqlite.WithLogger(logger))
		if err != nil {
			_ = a.store.Close()
			return nil, err
		}
		a.index = ix
		opts = append(opts, engine.WithIndexer(ix))
	}

	ecfg, err := cfg.Engine()
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.engine, err = engine.New(a.store, a.dir, ecfg, opts...)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	// A memory store starts empty on every run.
	if cfg.Storage.Driver == config.DriverMemory {
		if _, err := a.provision(ctx); err != nil {
			_ = a.close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// admin returns the first configured superuser.
func (a *app) admin() (*access.Principal, error) {
	for _, p := range a.dir.Principals() {
		if p.Superuser {
			return p, nil
		}
	}
	return nil, errors.New("no superuser principal configured")
}

// begin opens a session for href with a transaction already started.
func (a *app) begin(ctx context.Context, href string) (*engine.Session, error) {
	s, err := a.engine.Open(ctx, href)
	if err != nil {
		return nil, err
	}
	if err := s.BeginTransaction(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// asAdmin runs fn in one committed superuser transaction.
func (a *app) asAdmin(ctx context.Context, fn func(s *engine.Session) error) error {
	p, err := a.admin()
	if err != nil {
		return err
	}
	s := a.engine.OpenAs(p)
	defer s.Close(ctx)
	if err := s.BeginTransaction(ctx); err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return s.EndTransaction(ctx)
}

// provision bootstraps the roots and provisions every configured user.
func (a *app) provision(ctx context.Context) ([]*storage.Collection, error) {
	var out []*storage.Collection
	err := a.asAdmin(ctx, func(s *engine.Session) error {
		if err := s.Bootstrap(ctx); err != nil {
			return err
		}
		for _, p := range a.dir.Principals() {
			cols, err := s.Provision(ctx, p)
			if err != nil {
				return err
			}
			out = append(out, cols...)
		}
		return nil
	})
	return out, err
}
