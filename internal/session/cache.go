package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hamzanaeem10/apexanalyst/internal/cache/keys"
	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/core/observability"
	"github.com/hamzanaeem10/apexanalyst/internal/logger"
)

const (
	defaultMinSeason = 2018
	defaultMaxSeason = 2025
)

var errEmptyDataset = errors.New("fetcher returned no dataset")

type Options struct {
	Logger *slog.Logger
	// Scheduler runs background upgrades. Without one, full datasets are
	// only fetched by EnsureFullyLoaded.
	Scheduler Scheduler
	Notifier  Notifier
	MinSeason int
	MaxSeason int
	Now       func() time.Time
}

// Cache maps session identifiers to records. Lock order is c.mu before
// entry.mu; no code path takes them the other way round.
type Cache struct {
	log       *slog.Logger
	fetcher   Fetcher
	sched     Scheduler
	notify    Notifier
	minSeason int
	maxSeason int
	now       func() time.Time

	flight singleflight.Group
	gen    atomic.Uint64

	mu      sync.RWMutex
	records map[string]*entry
}

type entry struct {
	id        string
	key       model.SessionKey
	gen       uint64
	createdAt time.Time

	mu             sync.RWMutex
	state          State
	full           bool
	data           *model.Dataset
	lastErr        error
	lastTransition time.Time
	upgrade        *upgradeTask
}

func New(f Fetcher, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinSeason == 0 && opts.MaxSeason == 0 {
		opts.MinSeason, opts.MaxSeason = defaultMinSeason, defaultMaxSeason
	}
	return &Cache{
		log:       opts.Logger,
		fetcher:   f,
		sched:     opts.Scheduler,
		notify:    opts.Notifier,
		minSeason: opts.MinSeason,
		maxSeason: opts.MaxSeason,
		now:       opts.Now,
		records:   make(map[string]*entry),
	}
}

// Seasons reports the inclusive range of seasons the cache accepts.
func (c *Cache) Seasons() (int, int) {
	return c.minSeason, c.maxSeason
}

// Acquire returns the identifier and best available dataset for a session,
// fetching the reduced dataset on first use and scheduling the full one in
// the background. Concurrent first calls for the same session share one
// fetch. On fetch failure the identifier is still returned so callers can
// inspect or evict the poisoned record.
func (c *Cache) Acquire(ctx context.Context, season int, event string, kind model.Kind) (string, *model.Dataset, error) {
	if err := Validate(season, event, kind, c.minSeason, c.maxSeason); err != nil {
		observability.IncAcquire("invalid")
		return "", nil, err
	}
	key := model.SessionKey{Season: season, Event: strings.TrimSpace(event), Kind: kind}
	id := keys.FingerprintKey(key)
	ctx = logger.WithSessionID(ctx, id)

	if e, ok := c.lookup(id); ok {
		if ds, settled, err := e.handle(); settled {
			if err != nil {
				observability.IncAcquire("error")
				return id, nil, err
			}
			observability.IncAcquire("hit")
			c.scheduleUpgrade(ctx, e)
			return id, ds, nil
		}
	}

	v, err, shared := c.flight.Do(id, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), id, key)
	})
	if err != nil {
		observability.IncAcquire("error")
		return id, nil, err
	}
	if shared {
		observability.IncAcquire("shared")
	} else {
		observability.IncAcquire("miss")
	}
	return id, v.(*model.Dataset), nil
}

func (c *Cache) load(ctx context.Context, id string, key model.SessionKey) (*model.Dataset, error) {
	c.mu.Lock()
	if e, ok := c.records[id]; ok {
		c.mu.Unlock()
		ds, settled, err := e.handle()
		if !settled {
			return nil, fmt.Errorf("%w: %s", ErrNotReady, key)
		}
		return ds, err
	}
	now := c.now()
	e := &entry{
		id:             id,
		key:            key,
		gen:            c.gen.Add(1),
		createdAt:      now,
		state:          StatePending,
		lastTransition: now,
	}
	c.records[id] = e
	c.mu.Unlock()
	observability.MoveRecordState("", StatePending.String())

	c.transition(e, func(e *entry) { e.state = StateLoadingReduced })

	start := c.now()
	ds, err := c.fetch(ctx, key, model.FidelityReduced)
	if err == nil && ds == nil {
		err = errEmptyDataset
	}
	if err != nil {
		err = fmt.Errorf("%w: reduced %s: %w", ErrFetchFailed, key, err)
		c.transition(e, func(e *entry) {
			e.state = StateError
			e.lastErr = err
		})
		c.log.WarnContext(ctx, "reduced load failed", "session", key.String(), "err", err)
		return nil, err
	}

	if !c.transition(e, func(e *entry) {
		e.data = ds
		e.state = StateReady
	}) {
		c.log.DebugContext(ctx, "session evicted during reduced load; result not cached", "session", key.String())
		return ds, nil
	}
	c.log.InfoContext(ctx, "reduced dataset loaded",
		"session", key.String(),
		"took", c.now().Sub(start),
		"laps", len(ds.Laps),
	)
	c.scheduleUpgrade(ctx, e)
	return ds, nil
}

// fetch calls the fetcher and reports a panic as an error, so every load
// and upgrade reaches a final state.
func (c *Cache) fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (ds *model.Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "fetcher panicked", "session", key.String(), "fidelity", f, "panic", r, "stack", string(debug.Stack()))
			ds, err = nil, fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return c.fetcher.Fetch(ctx, key, f)
}

// transition applies mutate to e if e is still the live record for its
// identifier and reports whether it was. Results for evicted records are
// dropped here.
func (c *Cache) transition(e *entry, mutate func(*entry)) bool {
	c.mu.RLock()
	cur, ok := c.records[e.id]
	if !ok || cur.gen != e.gen {
		c.mu.RUnlock()
		return false
	}
	e.mu.Lock()
	from := e.state
	mutate(e)
	now := c.now()
	e.lastTransition = now
	info := e.infoLocked()
	// notify under the record lock so one record's notifications are
	// delivered in transition order, and before any eviction of it
	observability.MoveRecordState(from.String(), info.State.String())
	c.notify.Notify(Notification{Type: NotifyTransition, From: from, Info: info, At: now})
	e.mu.Unlock()
	c.mu.RUnlock()
	return true
}

func (c *Cache) lookup(id string) (*entry, bool) {
	c.mu.RLock()
	e, ok := c.records[id]
	c.mu.RUnlock()
	return e, ok
}

func (c *Cache) live(e *entry) bool {
	cur, ok := c.lookup(e.id)
	return ok && cur.gen == e.gen
}

// Get returns the record for id without triggering any fetch.
func (c *Cache) Get(id string) (Snapshot, error) {
	e, ok := c.lookup(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{Info: e.infoLocked(), Dataset: e.data}, nil
}

// Evict removes id. An upgrade still running for it finishes but its
// result is discarded.
func (c *Cache) Evict(id string) bool {
	c.mu.Lock()
	e, ok := c.records[id]
	var info Info
	if ok {
		delete(c.records, id)
		info = e.info()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.removed("evict", info)
	return true
}

// ClearAll drops every record and returns how many were removed.
func (c *Cache) ClearAll() int {
	c.mu.Lock()
	old := c.records
	c.records = make(map[string]*entry)
	infos := make([]Info, 0, len(old))
	for _, e := range old {
		infos = append(infos, e.info())
	}
	c.mu.Unlock()
	c.removed("clear", infos...)
	return len(infos)
}

func (c *Cache) removed(reason string, infos ...Info) {
	now := c.now()
	for _, info := range infos {
		observability.MoveRecordState(info.State.String(), "")
		c.notify.Notify(Notification{Type: NotifyEvicted, From: info.State, Info: info, At: now})
	}
	observability.IncEviction(reason, len(infos))
	if len(infos) > 0 {
		c.log.Info("sessions removed", "reason", reason, "count", len(infos))
	}
}

// Describe lists every record ordered by creation time.
func (c *Cache) Describe() []Info {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.records))
	for _, e := range c.records {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (e *entry) info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.infoLocked()
}

func (e *entry) infoLocked() Info {
	info := Info{
		ID:               e.id,
		Season:           e.key.Season,
		Event:            e.key.Event,
		Kind:             e.key.Kind,
		State:            e.state,
		FullyLoaded:      e.full,
		HasData:          e.data != nil,
		UpgradeInFlight:  e.upgrade != nil,
		Generation:       e.gen,
		CreatedAt:        e.createdAt,
		LastTransitionAt: e.lastTransition,
	}
	if e.lastErr != nil {
		info.LastError = e.lastErr.Error()
	}
	return info
}

// handle returns the dataset a caller may use now. settled is false while
// the reduced fetch is still running.
func (e *entry) handle() (ds *model.Dataset, settled bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.data != nil {
		return e.data, true, nil
	}
	if e.state == StateError {
		return nil, true, e.lastErr
	}
	return nil, false, nil
}
