// Package app wires the chatlog process: config, logging, storage selection, the ingestion pipeline,
// the rollup scheduler and the search HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"chatlog/cmd/internal/ingest"
	"chatlog/cmd/internal/rollup"
	"chatlog/cmd/internal/search"
	"chatlog/cmd/internal/twitch"
)

// App is the chatlog runtime. It owns the store and every long-running component.
type App struct {
	cfg Config
	log Logger

	store openedStore

	queue  *ingest.Queue
	worker *ingest.Worker

	// nil in search-only mode
	tokens *twitch.TokenSource
	client *twitch.Client

	scheduler *rollup.Scheduler
	search    *search.Service
}

// New validates cfg, opens the store and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, store: st}
	if err := a.build(ctx, loc); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, loc *time.Location) error {
	if a.cfg.Database.AutoMigrate {
		if err := migrate(ctx, a.store, a.log); err != nil {
			return err
		}
	}

	exporter, err := newExporter(a.cfg, a.store, loc, a.log)
	if err != nil {
		return err
	}
	a.scheduler, err = rollup.NewScheduler(rollup.SchedulerConfig{
		Exporter: exporter,
		Location: loc,
		Logger:   a.log.With("component", "rollup"),
	})
	if err != nil {
		return err
	}

	a.search, err = search.NewService(search.Config{
		Store:     a.store,
		Location:  loc,
		MaxRows:   a.cfg.Search.MaxRows,
		PageBytes: a.cfg.Search.PageBytes,
		Logger:    a.log.With("component", "search"),
	})
	if err != nil {
		return err
	}

	a.queue = ingest.NewQueue()
	a.worker = ingest.NewWorker(a.store, a.queue, a.log.With("component", "ingest"))

	tc := a.cfg.Twitch
	if !tc.Enabled() {
		a.log.Info("ingest.disabled", "reason", "twitch.username not set")
		return nil
	}
	a.tokens, err = twitch.NewTokenSource(ctx, twitch.TokenConfig{
		AccessToken:  tc.AccessToken,
		RefreshToken: tc.RefreshToken,
		ClientID:     tc.ClientID,
		ClientSecret: tc.ClientSecret,
		CachePath:    tc.TokenCache,
		Logger:       a.log.With("component", "twitch"),
	})
	if err != nil {
		return err
	}
	a.client, err = twitch.NewClient(twitch.ClientConfig{
		URL:      tc.URL,
		Username: tc.Username,
		Channels: tc.Channels,
		Tokens:   a.tokens,
		Logger:   a.log.With("component", "twitch"),
	})
	return err
}

func newExporter(cfg Config, st openedStore, loc *time.Location, log Logger) (*rollup.Exporter, error) {
	return rollup.NewExporter(rollup.ExporterConfig{
		Store:     st,
		Dir:       cfg.Rollup.Dir,
		Location:  loc,
		PageBytes: cfg.Rollup.PageBytes,
		Logger:    log.With("component", "rollup"),
	})
}

// Handler returns the HTTP routes served by Run.
func (a *App) Handler() http.Handler {
	return newRouter(a.log, a.store, a.search)
}

// TriggerRollup requests an immediate export of the current day.
func (a *App) TriggerRollup() { a.scheduler.Trigger() }

// Run blocks until ctx is done or a component fails, then shuts down: the chat source stops, the queued
// actions are written, a running export completes, open search streams finish and the store is closed.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The worker outlives gctx so it can drain what the source already queued.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()

	g.Go(func() error {
		defer stopWorker()
		if a.client == nil {
			<-gctx.Done()
			return nil
		}
		return a.client.Run(gctx, a.queue.Emit)
	})
	g.Go(func() error { return a.worker.Run(workerCtx) })

	if a.tokens != nil {
		g.Go(func() error { return a.tokens.Run(gctx) })
	}
	g.Go(func() error { return a.scheduler.Run(gctx) })

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
		// No WriteTimeout: search responses stream for as long as the result needs.
	}
	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTP.Addr, "store", a.store.kind, "ingest", a.client != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		return a.shutdownHTTP(srv)
	})

	err := g.Wait()

	if cerr := a.store.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	a.log.Info("server.stopped")
	return err
}

func (a *App) shutdownHTTP(srv *http.Server) error {
	ctx := context.Background()
	if d := a.cfg.HTTP.ShutdownTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		_ = srv.Close()
		return err
	}
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
