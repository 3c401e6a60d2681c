package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"oracle-price-feeds/internal/api"
	"oracle-price-feeds/internal/config"
	"oracle-price-feeds/internal/events"
	"oracle-price-feeds/internal/feed"
	"oracle-price-feeds/internal/oracle"
	"oracle-price-feeds/internal/query"
	"oracle-price-feeds/internal/scheduler"
	"oracle-price-feeds/internal/service"
	"oracle-price-feeds/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newBridge() oracle.Bridge {
	return oracle.NewHTTPBridge(oracle.HTTPBridgeOptions{
		BaseURL:   a.Config.Bridge.BaseURL,
		Timeout:   a.Config.Bridge.RequestTimeout,
		UserAgent: a.Config.Bridge.UserAgent,
	}, a.Logger)
}

func (a *App) newSink() events.Sink {
	sinks := []events.Sink{events.NewLogSink(a.Logger)}
	if a.Config.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(a.Config.Events.WebhookURL, a.Config.Events.WebhookTimeout, a.Logger))
	}
	return events.NewMultiSink(sinks...)
}

// buildRunners materialises every configured feed with its reward schedule.
func (a *App) buildRunners(bridge oracle.Bridge, sink events.Sink) ([]service.Runner, *query.Registry, error) {
	runners := make([]service.Runner, 0, len(a.Config.Feeds))
	feeds := make([]*feed.Feed, 0, len(a.Config.Feeds))

	for _, fc := range a.Config.Feeds {
		descriptor, err := fc.DescriptorBytes()
		if err != nil {
			return nil, nil, err
		}

		mode := feed.TimestampMode(fc.TimestampMode)
		if fc.TimestampMode == "" {
			mode = feed.TimestampClock
		}

		f, err := feed.New(feed.Options{
			Caption:         fc.Caption,
			Decimals:        fc.Decimals,
			Descriptor:      descriptor,
			TimestampMode:   mode,
			StaticTimestamp: fc.StaticTimestamp,
		}, bridge, sink, a.Logger)
		if err != nil {
			return nil, nil, err
		}

		rewards, err := service.RewardsFor(fc, a.Config.Bridge)
		if err != nil {
			return nil, nil, fmt.Errorf("feed %q: %w", fc.Caption, err)
		}

		runners = append(runners, service.Runner{Feed: f, Rewards: rewards})
		feeds = append(feeds, f)
	}

	registry, err := query.NewRegistry(feeds...)
	if err != nil {
		return nil, nil, err
	}
	return runners, registry, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running update service together with the read API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	bridge := a.newBridge()
	runners, registry, err := a.buildRunners(bridge, a.newSink())
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	var snapshotStore storage.SnapshotStore
	if store != nil {
		snapshotStore = store
	}

	svc := service.New(a.Config, sched, bridge, runners, snapshotStore, a.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(ctx)
	})
	if a.Config.API.Enabled {
		apiSrv := api.NewServer(api.Options{
			ListenAddr:   a.Config.API.ListenAddr,
			ReadTimeout:  a.Config.API.ReadTimeout,
			WriteTimeout: a.Config.API.WriteTimeout,
		}, registry, a.Logger)
		g.Go(func() error {
			return apiSrv.Run(ctx)
		})
	}

	a.Logger.Info().Int("feeds", len(runners)).Msg("starting update service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("update service stopped")
	return nil
}

// runnerFor locates a configured feed by caption for the one-shot commands,
// with its state restored from the snapshot store when one is configured.
func (a *App) runnerFor(ctx context.Context, store *storage.Store, caption string) (service.Runner, error) {
	bridge := a.newBridge()
	runners, _, err := a.buildRunners(bridge, a.newSink())
	if err != nil {
		return service.Runner{}, err
	}

	for _, r := range runners {
		if r.Feed.Caption() != caption {
			continue
		}
		if store != nil {
			snap, err := store.GetSnapshot(ctx, r.Feed.QueryID())
			if err != nil && !errors.Is(err, storage.ErrSnapshotNotFound) {
				return service.Runner{}, err
			}
			if err == nil {
				if err := r.Feed.Restore(feed.Snapshot{
					QueryID:          snap.QueryID,
					Caption:          snap.Caption,
					LastValue:        snap.LastValue,
					LastTimestamp:    snap.LastTimestamp,
					Pending:          snap.Pending,
					PendingRequestID: snap.PendingRequestID,
				}); err != nil {
					return service.Runner{}, err
				}
			}
		}
		return r, nil
	}
	return service.Runner{}, fmt.Errorf("no feed configured with caption %q", caption)
}

func (a *App) persist(ctx context.Context, store *storage.Store, f *feed.Feed) error {
	if store == nil {
		return nil
	}
	snap := f.Snapshot()
	return store.UpsertSnapshot(ctx, storage.FeedSnapshot{
		QueryID:          snap.QueryID,
		Caption:          snap.Caption,
		LastValue:        snap.LastValue,
		LastTimestamp:    snap.LastTimestamp,
		Pending:          snap.Pending,
		PendingRequestID: snap.PendingRequestID,
	})
}

// RequestUpdate performs a single manual update request for one feed.
func (a *App) RequestUpdate(ctx context.Context, caption string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	r, err := a.runnerFor(ctx, store, caption)
	if err != nil {
		return err
	}
	if err := r.Feed.RequestUpdate(ctx, r.Rewards); err != nil {
		return err
	}
	return a.persist(ctx, store, r.Feed)
}

// CompleteUpdate performs a single manual completion attempt for one feed.
func (a *App) CompleteUpdate(ctx context.Context, caption string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	r, err := a.runnerFor(ctx, store, caption)
	if err != nil {
		return err
	}
	if err := r.Feed.CompleteUpdate(ctx); err != nil {
		return err
	}
	return a.persist(ctx, store, r.Feed)
}
