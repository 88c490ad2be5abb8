// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/atomservice"
	"github.com/starford/ansuz/internal/index"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/storage"
)

// components is everything built on top of one locked data directory.
type components struct {
	lock      *storage.DirLock
	store     storage.AtomStore
	fileStore *storage.FileStore
	sqlite    *storage.SQLiteStore
	manager   *index.Manager
	service   *atomservice.Service
}

func (c *components) Close() {
	if c.sqlite != nil {
		_ = c.sqlite.Close()
	}
	_ = c.lock.Unlock()
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// bootstrap locks the data directory and wires store, index and service.
func bootstrap(cfg *Config, logger *slog.Logger, notify atomservice.Notifier) (*components, error) {
	lock, err := storage.LockDir(cfg.Store.Path)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return nil, fmt.Errorf("data directory %s is in use by another process: %w", cfg.Store.Path, err)
		}
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	c := &components{lock: lock}

	switch cfg.Store.Driver {
	case StoreDriverSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath())
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		c.sqlite, c.store = db, db
	default:
		fs, err := storage.NewFS(cfg.Store.Path)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
		c.fileStore = storage.NewFileStore(fs, cfg.Store.Format)
		c.store = c.fileStore
	}

	c.manager = index.NewManager(cfg.IndexPath(), c.store,
		index.WithPersistPopularity(cfg.Index.PersistPopularity),
		index.WithLogger(logger),
	)
	c.service = atomservice.New(c.store, c.manager,
		atomservice.WithLogger(logger),
		atomservice.WithNotifier(notify),
	)
	return c, nil
}

// initialSync rebuilds the index when it is empty or missing but records
// exist, e.g. on first start against a copied store. An index that exists but
// cannot be decoded is left alone and reported; only an explicit rebuild may
// replace it.
func initialSync(ctx context.Context, c *components, logger *slog.Logger) error {
	idx, err := c.manager.Index()
	if err != nil {
		return fmt.Errorf("index %s is unreadable, run `ansuz rebuild` to regenerate it: %w", c.manager.Path(), err)
	}
	if len(idx.Atoms) > 0 {
		return nil
	}
	ids, err := c.store.ListAllIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	logger.Info("index empty, rebuilding from records", slog.Int("records", len(ids)))
	if _, err := c.manager.Rebuild(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	return nil
}

// watchEvents maps watcher changes to the events clients see.
var watchEvents = map[index.Change]string{
	index.ChangeCreated:  atomservice.EventCreated,
	index.ChangeUpdated:  atomservice.EventUpdated,
	index.ChangeRemoved:  atomservice.EventPurged,
	index.ChangeReloaded: atomservice.EventReloaded,
}

// startWatcher runs the store watcher in g when enabled. Only the file store
// has a directory to watch.
func startWatcher(ctx context.Context, g *errgroup.Group, cfg *Config, c *components, logger *slog.Logger, notify atomservice.Notifier) {
	if !cfg.Index.Watch || c.fileStore == nil {
		return
	}
	g.Go(func() error {
		return index.Watch(ctx, c.manager, c.fileStore.Dir(), logger, func(change index.Change, id string) {
			if kind, ok := watchEvents[change]; ok && notify != nil {
				notify(kind, id)
			}
		})
	})
}

// Run starts the HTTP API with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := newLogger(os.Stdout, cfg.App.LogLevel)
	logger.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_path", cfg.Store.Path),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("index_path", cfg.IndexPath()),
		slog.Bool("persist_popularity", cfg.Index.PersistPopularity),
		slog.String("log_level", cfg.App.LogLevel.String()))

	broker := sse.NewBroker(sse.WithLogger(logger))
	defer broker.Close()

	c, err := bootstrap(cfg, logger, broker.PublishAtomEvent)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := initialSync(ctx, c, logger); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := c.manager.Index(); err != nil {
			http.Error(w, `{"status":"index unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", api.NewRouter(c.service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	startWatcher(gCtx, g, cfg, c, logger, broker.PublishAtomEvent)

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		// SSE streams only end when their clients leave; close them first.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdin/stdout. Logs go to stderr since
// stdout carries the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := newLogger(os.Stderr, cfg.App.LogLevel)

	notify := func(kind, id string) {
		logger.Debug("atom event", slog.String("kind", kind), slog.String("id", id))
	}
	c, err := bootstrap(cfg, logger, notify)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := initialSync(ctx, c, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	startWatcher(gCtx, g, cfg, c, logger, notify)

	srv := mcpserver.New(c.service, app.version)
	g.Go(func() error {
		logger.Info("MCP server listening on stdio", slog.String("store_path", cfg.Store.Path))
		err := srv.Serve(gCtx, os.Stdin, os.Stdout, logger)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			err = errShutdown
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("MCP server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// RunRebuild recreates the index from the record store and exits. With
// WithMigrate, file records in the non-preferred format are converted first.
func RunRebuild(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := newLogger(os.Stdout, cfg.App.LogLevel)

	c, err := bootstrap(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	if app.migrate {
		if c.fileStore == nil {
			return fmt.Errorf("migrate: only the %q store driver keeps per-file records", StoreDriverFS)
		}
		migrated, failed, err := c.fileStore.Migrate()
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("records migrated",
			slog.Int("migrated", migrated),
			slog.Int("failed", len(failed)),
			slog.Any("failed_ids", failed))
	}

	res, err := c.service.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	for _, w := range res.Warnings {
		logger.Warn("record skipped", slog.String("id", w.ID), slog.String("error", w.Error))
	}
	logger.Info("index rebuilt",
		slog.Int("indexed", res.Indexed),
		slog.Int("warnings", len(res.Warnings)),
		slog.Int("dropped", len(res.Dropped)))
	return nil
}
