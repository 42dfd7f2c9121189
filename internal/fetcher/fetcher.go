// Package fetcher loads session datasets from the upstream data service,
// optionally through a shared Redis-backed result store.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
)

// ErrUnavailable reports that upstream has no data for the session, e.g. a
// sprint requested for a non-sprint weekend.
var ErrUnavailable = errors.New("session not available upstream")

type Interface interface {
	Fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (*model.Dataset, error)
}

// ScheduleFetcher lists the events of one season.
type ScheduleFetcher interface {
	Schedule(ctx context.Context, season int) ([]model.Event, error)
}

type Timeouts struct {
	Reduced time.Duration
	Full    time.Duration
}

func (t Timeouts) For(f model.Fidelity) time.Duration {
	if f == model.FidelityFull {
		return t.Full
	}
	return t.Reduced
}

// HTTP fetches GET {base}/sessions/{season}/{event}/{kind}?fidelity=...
// and decodes the JSON dataset.
type HTTP struct {
	logger   *slog.Logger
	client   *http.Client
	base     *url.URL
	timeouts Timeouts
}

func NewHTTP(logger *slog.Logger, client *http.Client, base string, timeouts Timeouts) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse fetcher url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("fetcher url %q must be absolute", base)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{logger: logger, client: client, base: u, timeouts: timeouts}, nil
}

func (h *HTTP) sessionURL(key model.SessionKey, f model.Fidelity) string {
	u := h.base.JoinPath("sessions", strconv.Itoa(key.Season), key.Event, string(key.Kind))
	u.RawQuery = url.Values{"fidelity": {string(f)}}.Encode()
	return u.String()
}

func (h *HTTP) Fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (*model.Dataset, error) {
	if d := h.timeouts.For(f); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	h.logger.DebugContext(ctx, "fetch session", "session", key.String(), "fidelity", f)
	b, err := h.get(ctx, h.sessionURL(key, f))
	if errors.Is(err, ErrUnavailable) {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, key)
	}
	if err != nil {
		return nil, err
	}
	return decodeDataset(b, key, f)
}

// Schedule fetches GET {base}/schedule/{season}: a JSON array of events.
func (h *HTTP) Schedule(ctx context.Context, season int) ([]model.Event, error) {
	if h.timeouts.Reduced > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeouts.Reduced)
		defer cancel()
	}
	u := h.base.JoinPath("schedule", strconv.Itoa(season)).String()
	b, err := h.get(ctx, u)
	if errors.Is(err, ErrUnavailable) {
		return nil, fmt.Errorf("%w: schedule %d", ErrUnavailable, season)
	}
	if err != nil {
		return nil, err
	}
	var events []model.Event
	if err := json.Unmarshal(b, &events); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return events, nil
}

func (h *HTTP) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

// decodeDataset parses an upstream payload and fills identity fields the
// upstream may omit.
func decodeDataset(b []byte, key model.SessionKey, f model.Fidelity) (*model.Dataset, error) {
	ds, err := unmarshalDataset(b)
	if err != nil {
		return nil, err
	}
	if ds.Season == 0 {
		ds.Season = key.Season
	}
	if ds.Event == "" {
		ds.Event = key.Event
	}
	if ds.Kind == "" {
		ds.Kind = key.Kind
	}
	if ds.Fidelity == "" {
		ds.Fidelity = f
	}
	if ds.Season != key.Season || ds.Kind != key.Kind {
		return nil, fmt.Errorf("upstream returned %s for %s", ds.Key(), key)
	}
	if ds.Fidelity != f {
		return nil, fmt.Errorf("upstream returned %s fidelity for %s request", ds.Fidelity, f)
	}
	return ds, nil
}
