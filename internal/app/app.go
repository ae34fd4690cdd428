// Package app wires the shared process state together: storage, the site
// registry, the item history store, the delivery and command registries,
// and the run-state flag. One App is created at startup and torn down at
// shutdown; there are no package globals.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"vahtibot/internal/command"
	"vahtibot/internal/config"
	"vahtibot/internal/delivery"
	"vahtibot/internal/history"
	"vahtibot/internal/site"
	"vahtibot/internal/storage"
	"vahtibot/internal/update"
)

// App owns the long-lived components and the run/shutdown state.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	store storage.Storage

	Sites      *site.Registry
	History    *history.Store
	Deliveries *delivery.Registry

	commanders map[string]command.Commander
	shutdown   atomic.Bool
}

// New creates an App around the given storage.
func New(cfg *config.Config, store storage.Storage, log *slog.Logger) *App {
	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		Sites:      site.NewRegistry(),
		History:    history.NewStore(cfg.ItemHistoryWindow),
		Deliveries: delivery.NewRegistry(),
		commanders: make(map[string]command.Commander),
	}
}

// RegisterCommander adds a command front-end to be run alongside the
// update loop.
func (a *App) RegisterCommander(name string, c command.Commander) {
	a.commanders[name] = c
}

// Run starts the update loop and all command front-ends, then blocks until
// ctx is cancelled. On cancellation the run-state flag flips to shutdown,
// front-ends stop accepting interactions, and an in-flight update pass is
// allowed to finish before Run returns.
func (a *App) Run(ctx context.Context) {
	updater := update.New(
		a.store, a.Sites, a.History, a.Deliveries,
		http.DefaultClient, a.log,
		a.cfg.MaxConcurrentPolls, a.cfg.MaxConcurrentDeliveries,
	)
	sched := update.NewScheduler(updater, &a.shutdown, a.cfg.UpdateInterval, a.log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	for name, c := range a.commanders {
		name, c := name, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				a.log.Error("command front-end stopped", "name", name, "error", err)
			}
		}()
	}

	<-ctx.Done()
	a.log.Info("shutdown requested")
	a.shutdown.Store(true)

	wg.Wait()
}

// ShuttingDown reports whether shutdown has been requested.
func (a *App) ShuttingDown() bool {
	return a.shutdown.Load()
}
