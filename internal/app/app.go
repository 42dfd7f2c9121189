// Package app wires configuration into a running session cache service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/cache/redisstore"
	"github.com/hamzanaeem10/apexanalyst/internal/core/config"
	"github.com/hamzanaeem10/apexanalyst/internal/core/health"
	"github.com/hamzanaeem10/apexanalyst/internal/core/httpclient"
	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/core/router"
	"github.com/hamzanaeem10/apexanalyst/internal/core/server"
	"github.com/hamzanaeem10/apexanalyst/internal/events"
	"github.com/hamzanaeem10/apexanalyst/internal/fetcher"
	"github.com/hamzanaeem10/apexanalyst/internal/metrics"
	"github.com/hamzanaeem10/apexanalyst/internal/session"
	"github.com/hamzanaeem10/apexanalyst/internal/workpool"
	"github.com/hamzanaeem10/apexanalyst/pkg/invalidation/kafka"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	Metrics *metrics.Provider
	Cache   *session.Cache

	pool       *workpool.Pool
	redis      *redisstore.Client
	fetchStore *fetcher.Cached
	schedule   fetcher.ScheduleFetcher
	publisher  *events.Publisher
	runner     *kafka.Runner
}

// New builds every component cfg enables. On error anything already
// opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, build metrics.BuildInfo) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, log: logger}
	if err := a.build(ctx, build); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, build metrics.BuildInfo) error {
	cfg, logger := a.cfg, a.log
	var err error

	a.Metrics, err = metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Addr:    cfg.MetricsAddr,
		Path:    cfg.MetricsPath,
		Build:   build,
	})
	if err != nil {
		return err
	}

	upstream, err := fetcher.NewHTTP(logger, httpclient.NewOutbound(0), cfg.FetcherURL, fetcher.Timeouts{
		Reduced: cfg.FetchTimeoutReduced,
		Full:    cfg.FetchTimeoutFull,
	})
	if err != nil {
		return fmt.Errorf("fetcher: %w", err)
	}
	var f fetcher.Interface = upstream
	a.schedule = upstream

	if cfg.RedisEnabled {
		a.redis, err = redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.fetchStore, err = fetcher.NewCached(logger, f, a.redis, cfg.FetchCacheTTL, cfg.FetchCacheOpTimeout)
		if err != nil {
			return fmt.Errorf("fetch store: %w", err)
		}
		f = a.fetchStore
		a.schedule = a.fetchStore
		logger.Info("fetch result store enabled", "addr", cfg.RedisAddr, "ttl", cfg.FetchCacheTTL)
	}
	f = fetcher.NewInstrumented(f)

	var notifier session.Notifier
	if cfg.Events.Enabled {
		a.publisher, err = events.NewPublisher(logger, cfg.KafkaBrokers, cfg.Events.Topic, cfg.Events.Queue)
		if err != nil {
			return err
		}
		notifier = a.publisher
		logger.Info("lifecycle events enabled", "topic", cfg.Events.Topic)
	}

	a.pool = workpool.New(logger, cfg.UpgradeWorkers, cfg.UpgradeQueue)
	a.Cache = session.New(f, session.Options{
		Logger:    logger,
		Scheduler: a.pool,
		Notifier:  notifier,
		MinSeason: cfg.MinSeason,
		MaxSeason: cfg.MaxSeason,
	})

	opts := kafka.Options{Logger: logger, Register: a.Metrics.Registerer()}
	if a.fetchStore != nil {
		opts.Store = a.fetchStore
	}
	inv := cfg.Invalidation
	a.runner = kafka.New(kafka.InvalidationConfig{
		Enabled:          inv.Enabled,
		Brokers:          cfg.KafkaBrokers,
		Topic:            inv.Topic,
		GroupID:          inv.GroupID,
		SessionTimeout:   inv.SessionTimeout,
		Heartbeat:        inv.Heartbeat,
		RebalanceTimeout: inv.RebalanceTimeout,
		InitialOldest:    inv.InitialOldest,
		DedupeSize:       inv.DedupeSize,
	}, a.Cache, opts)
	return nil
}

// Handler is the session API, unmounted.
func (a *App) Handler() http.Handler {
	return router.New(a.log, a.Cache, a.schedule, a.cfg.ClampEnsureTimeout).Routes()
}

// Serve starts the invalidation consumer and serves HTTP until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("invalidation runner: %w", err)
	}
	var pingers []health.Pinger
	if a.redis != nil {
		pingers = append(pingers, a.redis)
	}
	return server.Run(ctx, a.cfg, a.log, server.Deps{
		API:       a.Handler(),
		Metrics:   a.Metrics,
		Readiness: a.runner,
		Pingers:   pingers,
	})
}

// Close stops intake first, lets running upgrades finish until ctx ends,
// drops every record and then closes outbound connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.runner != nil {
		a.runner.Stop()
	}
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil && !errors.Is(err, workpool.ErrClosed) {
			errs = append(errs, fmt.Errorf("upgrade pool: %w", err))
		}
	}
	if a.Cache != nil {
		n := a.Cache.ClearAll()
		a.log.Info("session cache cleared", "sessions", n)
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.fetchStore != nil {
		a.fetchStore.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

// Warm acquires each session and waits up to timeout for its full dataset.
func (a *App) Warm(ctx context.Context, timeout time.Duration, keys ...model.SessionKey) error {
	var errs []error
	for _, k := range keys {
		id, _, err := a.Cache.Acquire(ctx, k.Season, k.Event, k.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		if _, err := a.Cache.EnsureFullyLoaded(ctx, id, a.cfg.ClampEnsureTimeout(timeout)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		a.log.InfoContext(ctx, "session warmed", "session", k.String(), "session_id", id)
	}
	return errors.Join(errs...)
}

// ParseTarget reads "season/event/kind", e.g. "2023/Monaco/R".
func ParseTarget(s string) (model.SessionKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return model.SessionKey{}, fmt.Errorf("target %q: want season/event/kind", s)
	}
	season, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return model.SessionKey{}, fmt.Errorf("target %q: season: %w", s, err)
	}
	kind, err := model.ParseKind(parts[2])
	if err != nil {
		return model.SessionKey{}, fmt.Errorf("target %q: %w", s, err)
	}
	return model.SessionKey{Season: season, Event: strings.TrimSpace(parts[1]), Kind: kind}, nil
}
