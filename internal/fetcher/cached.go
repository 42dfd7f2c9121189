package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/cache/keys"
	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
)

// Store is the subset of redisstore.Client the cached fetcher needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Cached serves fetches from a shared store before asking the inner
// fetcher. Store failures degrade to a plain fetch; they never fail the
// request.
type Cached struct {
	logger    *slog.Logger
	inner     Interface
	store     Store
	ttl       time.Duration
	opTimeout time.Duration
	codec     *codec
}

func NewCached(logger *slog.Logger, inner Interface, store Store, ttl, opTimeout time.Duration) (*Cached, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &Cached{
		logger:    logger,
		inner:     inner,
		store:     store,
		ttl:       ttl,
		opTimeout: opTimeout,
		codec:     c,
	}, nil
}

func (c *Cached) Fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (*model.Dataset, error) {
	k := keys.FetchKey(keys.FingerprintKey(key), f)

	if ds, ok := c.lookup(ctx, k); ok {
		c.logger.DebugContext(ctx, "fetch store hit", "key", k)
		return ds, nil
	}

	ds, err := c.inner.Fetch(ctx, key, f)
	if err != nil {
		return nil, err
	}
	c.save(ctx, k, ds)
	return ds, nil
}

func (c *Cached) lookup(ctx context.Context, k string) (*model.Dataset, bool) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	b, ok, err := c.store.Get(opCtx, k)
	if err != nil {
		c.logger.WarnContext(ctx, "fetch store get failed; fetching upstream", "key", k, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	ds, err := c.codec.decode(b)
	if err != nil {
		c.logger.WarnContext(ctx, "fetch store entry unreadable; dropping", "key", k, "err", err)
		_ = c.store.Del(opCtx, k)
		return nil, false
	}
	return ds, true
}

func (c *Cached) save(ctx context.Context, k string, ds *model.Dataset) {
	b, err := c.codec.encode(ds)
	if err != nil {
		c.logger.WarnContext(ctx, "fetch store encode failed", "key", k, "err", err)
		return
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
	defer cancel()
	if err := c.store.Set(opCtx, k, b, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "fetch store set failed", "key", k, "err", err)
	}
}

// Schedule serves a season's calendar from the store, asking the inner
// fetcher on a miss. Calendars are stored as plain JSON.
func (c *Cached) Schedule(ctx context.Context, season int) ([]model.Event, error) {
	sf, ok := c.inner.(ScheduleFetcher)
	if !ok {
		return nil, errors.New("schedule not supported by inner fetcher")
	}
	k := keys.ScheduleKey(season)

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	b, hit, err := c.store.Get(opCtx, k)
	cancel()
	if err != nil {
		c.logger.WarnContext(ctx, "schedule store get failed; fetching upstream", "key", k, "err", err)
	}
	if hit {
		var events []model.Event
		if err := json.Unmarshal(b, &events); err == nil {
			return events, nil
		}
		c.logger.WarnContext(ctx, "schedule store entry unreadable; refetching", "key", k)
	}

	events, err := sf.Schedule(ctx, season)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(events); err == nil {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
		if err := c.store.Set(opCtx, k, b, c.ttl); err != nil {
			c.logger.WarnContext(ctx, "schedule store set failed", "key", k, "err", err)
		}
		cancel()
	}
	return events, nil
}

// Forget drops both fidelities of a session from the store.
func (c *Cached) Forget(ctx context.Context, key model.SessionKey) error {
	id := keys.FingerprintKey(key)
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Del(opCtx, keys.FetchKey(id, model.FidelityReduced), keys.FetchKey(id, model.FidelityFull)); err != nil {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}

func (c *Cached) Close() {
	c.codec.close()
}
