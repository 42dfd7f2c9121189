// Package kafka consumes session invalidation events and evicts the
// matching records from the local session cache.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hamzanaeem10/apexanalyst/internal/cache/keys"
	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
)

// Evictor is the part of the session cache the runner drives.
type Evictor interface {
	Evict(id string) bool
	ClearAll() int
}

// Forgetter drops shared fetch results so the next load goes upstream.
type Forgetter interface {
	Forget(ctx context.Context, key model.SessionKey) error
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	cache    Evictor
	store    Forgetter
	ms       *metricSet
	ver      *versionDedupe
	now      func() time.Time
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// Store is optional; without it only in-memory records are dropped.
	Store Forgetter
}

func New(cfg InvalidationConfig, c Evictor, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		cache:  c,
		store:  opts.Store,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(cfg.DedupeSize),
		now:    time.Now,
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled")
		return nil
	}
	if r.cache == nil {
		return errors.New("kafka runner: cache dependency is required")
	}
	if len(r.cfg.Brokers) == 0 {
		return errors.New("kafka runner: at least one broker is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "apexanalyst"
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := r.handler()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) handler() *groupHandler {
	return &groupHandler{
		log: r.log,
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// Readiness reports whether the consumer currently owns partitions. A
// disabled runner is always ready.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.cfg.Enabled {
		return true, nil
	}
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one message. Malformed messages are counted and
// reported but never block the partition.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := r.now()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(r.now().Sub(msg.Timestamp).Seconds())
	}

	var w WireEvent
	if err := json.Unmarshal(msg.Value, &w); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		return fmt.Errorf("decode: %w", err)
	}
	if err := w.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		return fmt.Errorf("validate: %w", err)
	}

	if !r.ver.shouldApply(w.dedupeKey(), w.Version) {
		r.ms.apply.WithLabelValues("skip_version").Inc()
		r.observe(w.Op, nil, r.now().Sub(start))
		return nil
	}

	var err error
	switch w.Op {
	case OpClear:
		n := r.cache.ClearAll()
		r.ms.apply.WithLabelValues("clear").Inc()
		r.log.InfoContext(ctx, "invalidation cleared session cache", "removed", n, "version", w.Version)
	case OpEvict:
		err = r.evict(ctx, w)
	}
	r.observe(w.Op, err, r.now().Sub(start))
	return err
}

func (r *Runner) evict(ctx context.Context, w WireEvent) error {
	key := w.Key()
	id := keys.FingerprintKey(key)
	if r.cache.Evict(id) {
		r.ms.apply.WithLabelValues("evict").Inc()
		r.log.InfoContext(ctx, "invalidation evicted session", "session_id", id, "session", key.String(), "version", w.Version)
	} else {
		r.ms.apply.WithLabelValues("absent").Inc()
	}
	if r.store == nil {
		return nil
	}
	if err := r.store.Forget(ctx, key); err != nil {
		return fmt.Errorf("forget fetch results: %w", err)
	}
	r.ms.apply.WithLabelValues("forget").Inc()
	return nil
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

type groupHandler struct {
	log     *slog.Logger
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

// ConsumeClaim marks every message once processed. Eviction is idempotent
// and a retry cannot fix a malformed payload, so failures are logged and
// skipped.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			h.log.WarnContext(ctx, "invalidation message skipped",
				"partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
