package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafflefi/infofi-engine/internal/server"
	"github.com/rafflefi/infofi-engine/internal/server/handler"
	"github.com/rafflefi/infofi-engine/internal/server/ws"
)

// backfillDrainGrace lets the dispatch shards and the oracle write queue
// finish in-flight work after the historical scan completes.
const backfillDrainGrace = 5 * time.Second

// EngineMode runs the full lifecycle engine: event ingestion with startup
// backfill, position tracking, threshold-triggered market creation, oracle
// writes, and the optional audit archiver. No HTTP surface.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps)
	return g.Wait()
}

// BackfillMode replays the configured block range into the engine and exits.
// Live subscription never starts; the engine and dispatcher run only long
// enough to process what the scan produced.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backfill mode")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return deps.Dispatcher.Run(runCtx) })
	g.Go(func() error { return deps.Engine.Run(runCtx) })

	head, err := deps.Listener.Backfill(runCtx)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	select {
	case <-runCtx.Done():
	case <-time.After(backfillDrainGrace):
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.logger.InfoContext(ctx, "backfill mode complete", "head", head)
	return nil
}

// MonitorMode runs read-only ingestion: positions and probabilities are
// tracked, hybrid prices are maintained in the cache from observed events,
// and the HTTP/websocket surface serves them. Nothing is written to the
// ledger.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Dispatcher.Run(ctx) })
	g.Go(func() error { return deps.Listener.Run(ctx) })
	g.Go(func() error { return deps.Engine.Run(ctx) })

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// ServerMode serves the HTTP and websocket API over existing state without
// ingesting events.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the lifecycle engine and the HTTP surface together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// startEngine adds the ingestion and engine goroutines to the group.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error { return deps.Dispatcher.Run(ctx) })
	g.Go(func() error { return deps.Listener.Run(ctx) })
	g.Go(func() error { return deps.Engine.Run(ctx) })

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}
}

// startHTTPServer adds the HTTP server and websocket hub goroutines to the
// group when the server is enabled. The server is shut down gracefully when
// the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.Postgres,
			"redis":    deps.Redis,
		}, a.logger),
		Markets: handler.NewMarketHandler(deps.Engine, a.logger),
		Seasons: handler.NewSeasonHandler(deps.Engine, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(func() error { return srv.Start() })
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShut()
		return srv.Shutdown(shutCtx)
	})
}
