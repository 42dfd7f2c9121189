package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/core/observability"
	"github.com/hamzanaeem10/apexanalyst/internal/logger"
)

var (
	errNotScheduled = errors.New("background upgrade not scheduled")
	errEvicted      = fmt.Errorf("%w: evicted during upgrade", ErrNotFound)
)

// upgradeTask is one full fetch for one record. done is closed once err is
// final; waiters never read err before that.
type upgradeTask struct {
	done   chan struct{}
	err    error
	inline bool
}

func newUpgradeTask(inline bool) *upgradeTask {
	return &upgradeTask{done: make(chan struct{}), inline: inline}
}

func (t *upgradeTask) finish(err error) {
	t.err = err
	close(t.done)
}

func (t *upgradeTask) wait(ctx context.Context, deadline <-chan time.Time) error {
	select {
	case <-t.done:
		return nil
	case <-deadline:
		return ErrTimeout
	case <-ctx.Done():
		return fmt.Errorf("wait for full dataset: %w", ctx.Err())
	}
}

// claimUpgrade returns the task already in flight, or installs a new one
// that the caller owns and must run. A nil task with nil error means the
// record is already full.
func (e *entry) claimUpgrade(inline bool) (t *upgradeTask, owner bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.full {
		return nil, false, nil
	}
	if e.data == nil {
		return nil, false, e.noDataErr()
	}
	if e.upgrade != nil {
		return e.upgrade, false, nil
	}
	t = newUpgradeTask(inline)
	e.upgrade = t
	return t, true, nil
}

func (e *entry) upgradeStatus() (full bool, t *upgradeTask, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.full {
		return true, nil, nil
	}
	if e.data == nil {
		return false, nil, e.noDataErr()
	}
	return false, e.upgrade, nil
}

func (e *entry) noDataErr() error {
	if e.state == StateError && e.lastErr != nil {
		return e.lastErr
	}
	return fmt.Errorf("%w: %s", ErrNotReady, e.key)
}

func (e *entry) isFull() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.full
}

func (e *entry) detachUpgrade(t *upgradeTask) {
	e.mu.Lock()
	if e.upgrade == t {
		e.upgrade = nil
	}
	e.mu.Unlock()
}

// scheduleUpgrade submits a background full fetch for a READY reduced
// record that has none in flight. A rejected submission leaves the record
// as is; EnsureFullyLoaded will fetch inline.
func (c *Cache) scheduleUpgrade(ctx context.Context, e *entry) {
	if c.sched == nil {
		return
	}
	e.mu.Lock()
	if e.full || e.data == nil || e.state != StateReady || e.upgrade != nil {
		e.mu.Unlock()
		return
	}
	t := newUpgradeTask(false)
	e.upgrade = t
	e.mu.Unlock()

	if c.sched.Submit(func(jobCtx context.Context) { c.runUpgrade(jobCtx, e, t) }) {
		c.log.DebugContext(ctx, "full upgrade scheduled", "session", e.key.String())
		return
	}
	e.detachUpgrade(t)
	t.finish(errNotScheduled)
	observability.IncUpgradeRejected()
	c.log.WarnContext(ctx, "full upgrade not scheduled; worker queue unavailable", "session", e.key.String())
}

// runUpgrade performs the full fetch for task t and writes the result back
// if e is still live. Failure keeps the reduced dataset and marks the record
// ERROR; fully loaded never goes back to false.
func (c *Cache) runUpgrade(ctx context.Context, e *entry, t *upgradeTask) {
	ctx = logger.WithSessionID(ctx, e.id)
	if !c.transition(e, func(e *entry) { e.state = StateLoadingFull }) {
		e.detachUpgrade(t)
		t.finish(errEvicted)
		return
	}

	start := c.now()
	ds, err := c.fetch(ctx, e.key, model.FidelityFull)
	if err == nil && ds == nil {
		err = errEmptyDataset
	}
	if err != nil {
		err = fmt.Errorf("%w: full %s: %w", ErrFetchFailed, e.key, err)
	}

	live := c.transition(e, func(e *entry) {
		if e.upgrade == t {
			e.upgrade = nil
		}
		if err != nil {
			e.state = StateError
			e.lastErr = err
			return
		}
		e.data = ds
		e.full = true
		e.state = StateReady
		e.lastErr = nil
	})
	took := c.now().Sub(start)

	switch {
	case !live:
		e.detachUpgrade(t)
		c.log.InfoContext(ctx, "full dataset discarded; session evicted", "session", e.key.String(), "took", took)
		if err == nil {
			err = errEvicted
		}
	case err != nil:
		c.log.WarnContext(ctx, "full upgrade failed; keeping reduced dataset",
			"session", e.key.String(), "inline", t.inline, "took", took, "err", err)
	default:
		c.log.InfoContext(ctx, "full dataset loaded",
			"session", e.key.String(), "inline", t.inline, "took", took, "telemetry", len(ds.Telemetry))
	}
	t.finish(err)
}

// EnsureFullyLoaded blocks until id holds its full dataset. It waits up to
// timeout for an upgrade already in flight (timeout <= 0 waits until ctx
// ends) and returns ErrTimeout if that runs out. If the awaited upgrade
// failed, or none was in flight, the full fetch runs inline on the caller's
// goroutine and is not bounded by timeout.
func (c *Cache) EnsureFullyLoaded(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	ctx = logger.WithSessionID(ctx, id)
	e, ok := c.lookup(id)
	if !ok {
		observability.IncEnsure("not_found")
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		deadline = tm.C
	}

	full, t, err := e.upgradeStatus()
	switch {
	case full:
		observability.IncEnsure("fast")
		return true, nil
	case err != nil:
		observability.IncEnsure("failed")
		return false, err
	}

	if t != nil {
		if werr := t.wait(ctx, deadline); werr != nil {
			observeWaitErr(werr)
			c.log.InfoContext(ctx, "ensure gave up waiting for upgrade", "timeout", timeout, "err", werr)
			return false, werr
		}
		if e.isFull() {
			observability.IncEnsure("waited")
			return true, nil
		}
		c.log.WarnContext(ctx, "awaited upgrade did not complete; fetching full dataset inline", "err", t.err)
	}
	return c.upgradeInline(ctx, e, deadline)
}

func (c *Cache) upgradeInline(ctx context.Context, e *entry, deadline <-chan time.Time) (bool, error) {
	if !c.live(e) {
		observability.IncEnsure("not_found")
		return false, errEvicted
	}
	t, owner, err := e.claimUpgrade(true)
	switch {
	case err != nil:
		observability.IncEnsure("failed")
		return false, err
	case t == nil:
		observability.IncEnsure("waited")
		return true, nil
	case !owner:
		// another caller or a fresh background job got there first
		if werr := t.wait(ctx, deadline); werr != nil {
			observeWaitErr(werr)
			return false, werr
		}
		if e.isFull() {
			observability.IncEnsure("waited")
			return true, nil
		}
		observability.IncEnsure("failed")
		return false, t.err
	}

	c.runUpgrade(context.WithoutCancel(ctx), e, t)
	if t.err != nil {
		observability.IncEnsure("failed")
		return false, t.err
	}
	observability.IncEnsure("inline")
	return true, nil
}

func observeWaitErr(err error) {
	if errors.Is(err, ErrTimeout) {
		observability.IncEnsure("timeout")
		return
	}
	observability.IncEnsure("cancelled")
}
