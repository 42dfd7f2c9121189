// Package router serves the session API: loading sessions, reading their
// datasets and managing the session cache.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/fetcher"
	"github.com/hamzanaeem10/apexanalyst/internal/session"
)

// SessionService is the session cache as seen by the HTTP layer.
type SessionService interface {
	Acquire(ctx context.Context, season int, event string, kind model.Kind) (string, *model.Dataset, error)
	Get(id string) (session.Snapshot, error)
	EnsureFullyLoaded(ctx context.Context, id string, timeout time.Duration) (bool, error)
	Evict(id string) bool
	ClearAll() int
	Describe() []session.Info
	Seasons() (int, int)
}

type Handler struct {
	log      *slog.Logger
	svc      SessionService
	schedule fetcher.ScheduleFetcher
	wait     func(time.Duration) time.Duration
}

// New builds the handler. schedule may be nil, in which case the schedule
// route answers 501. clamp turns a requested ensure timeout (zero when
// absent) into the one actually used.
func New(logger *slog.Logger, svc SessionService, schedule fetcher.ScheduleFetcher, clamp func(time.Duration) time.Duration) *Handler {
	if clamp == nil {
		clamp = func(d time.Duration) time.Duration { return d }
	}
	return &Handler{log: logger, svc: svc, schedule: schedule, wait: clamp}
}

// Routes mounts under /api/v1/session.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/load", h.load)
	r.Get("/schedule/{year}", h.seasonSchedule)
	r.Get("/cache/info", h.cacheInfo)
	r.Delete("/cache/clear", h.cacheClear)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.status)
		r.Delete("/", h.evict)
		r.Post("/ensure-full", h.ensureFull)
		r.Get("/drivers", h.drivers)
		r.Get("/laps", h.laps)
		r.Get("/telemetry", h.telemetry)
		r.Get("/weather", h.weather)
	})
	return r
}

type loadRequest struct {
	Year        int    `json:"year"`
	GrandPrix   string `json:"grand_prix"`
	SessionName string `json:"session_name"`
}

type loadResponse struct {
	SessionID   string          `json:"session_id"`
	Year        int             `json:"year"`
	GrandPrix   string          `json:"grand_prix"`
	SessionName string          `json:"session_name"`
	State       session.State   `json:"state"`
	FullyLoaded bool            `json:"fully_loaded"`
	Drivers     []model.Driver  `json:"drivers"`
	Teams       []model.Team    `json:"teams"`
	LapCount    int             `json:"lap_count"`
	TrackData   model.TrackData `json:"track_data"`
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: body: %v", session.ErrInvalidRequest, err))
		return
	}
	kind, err := model.ParseKind(req.SessionName)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", session.ErrInvalidRequest, err))
		return
	}

	id, ds, err := h.svc.Acquire(r.Context(), req.Year, req.GrandPrix, kind)
	if err != nil {
		h.log.WarnContext(r.Context(), "session load failed", "year", req.Year, "grand_prix", req.GrandPrix, "kind", kind, "err", err)
		writeError(w, err)
		return
	}

	out := loadResponse{
		SessionID:   id,
		Year:        req.Year,
		GrandPrix:   strings.TrimSpace(req.GrandPrix),
		SessionName: kind.Name(),
		State:       session.StateReady,
		FullyLoaded: ds.Fidelity == model.FidelityFull,
		Drivers:     ds.Drivers,
		Teams:       ds.Teams(),
		LapCount:    len(ds.Laps),
		TrackData:   ds.Track(),
	}
	if snap, err := h.svc.Get(id); err == nil {
		out.State = snap.State
		out.FullyLoaded = snap.FullyLoaded
	}
	writeJSON(w, http.StatusOK, out)
}

type scheduleResponse struct {
	Year   int           `json:"year"`
	Events []model.Event `json:"events"`
}

func (h *Handler) seasonSchedule(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "year")
	year, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, fmt.Errorf("%w: year %q", session.ErrInvalidRequest, raw))
		return
	}
	if lo, hi := h.svc.Seasons(); year < lo || year > hi {
		writeError(w, fmt.Errorf("%w: season %d outside %d..%d", session.ErrInvalidRequest, year, lo, hi))
		return
	}
	if h.schedule == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"detail": "schedule source not configured"})
		return
	}

	events, err := h.schedule.Schedule(r.Context(), year)
	if err != nil {
		h.log.WarnContext(r.Context(), "schedule fetch failed", "year", year, "err", err)
		if !errors.Is(err, fetcher.ErrUnavailable) {
			err = fmt.Errorf("%w: schedule: %w", session.ErrFetchFailed, err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Year: year, Events: model.RaceWeekends(events)})
}

type statusResponse struct {
	session.Info
	Drivers          int  `json:"driver_count"`
	Laps             int  `json:"lap_count"`
	TelemetrySamples int  `json:"telemetry_samples"`
	WeatherSamples   int  `json:"weather_samples"`
	HasTelemetry     bool `json:"has_telemetry"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := statusResponse{Info: snap.Info}
	if ds := snap.Dataset; ds != nil {
		out.Drivers = len(ds.Drivers)
		out.Laps = len(ds.Laps)
		out.TelemetrySamples = len(ds.Telemetry)
		out.WeatherSamples = len(ds.Weather)
		out.HasTelemetry = len(ds.Telemetry) > 0
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) evict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.svc.Evict(id) {
		writeError(w, fmt.Errorf("%w: %s", session.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session " + id + " evicted"})
}

type ensureResponse struct {
	SessionID   string        `json:"session_id"`
	FullyLoaded bool          `json:"fully_loaded"`
	State       session.State `json:"state"`
	Waited      string        `json:"waited"`
	Error       string        `json:"error,omitempty"`
}

func (h *Handler) ensureFull(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout, err := parseTimeout(r)
	if err != nil {
		writeError(w, err)
		return
	}
	timeout = h.wait(timeout)

	start := time.Now()
	ok, err := h.svc.EnsureFullyLoaded(r.Context(), id, timeout)
	// a timeout is not a failure: the caller proceeds with reduced data
	if err != nil && !errors.Is(err, session.ErrTimeout) {
		writeError(w, err)
		return
	}
	out := ensureResponse{SessionID: id, FullyLoaded: ok, Waited: time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		out.Error = err.Error()
	}
	if snap, gerr := h.svc.Get(id); gerr == nil {
		out.State = snap.State
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) drivers(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataset(w, r)
	if !ok {
		return
	}
	seen := map[string]bool{}
	out := []string{}
	for _, l := range ds.Laps {
		if !seen[l.Driver] {
			seen[l.Driver] = true
			out = append(out, l.Driver)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) laps(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataset(w, r)
	if !ok {
		return
	}
	driver := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("driver_id")))
	out := []model.Lap{}
	for _, l := range ds.Laps {
		if driver == "" || l.Driver == driver {
			out = append(out, l)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type telemetryResponse struct {
	SessionID   string                  `json:"session_id"`
	FullyLoaded bool                    `json:"fully_loaded"`
	Samples     []model.TelemetrySample `json:"samples"`
}

// telemetry needs the full dataset. When the upgrade does not finish within
// the timeout the response is 202 with no samples so the client can poll.
func (h *Handler) telemetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	driver := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("driver_id")))
	lap := 0
	if v := strings.TrimSpace(r.URL.Query().Get("lap")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: lap must be a positive integer", session.ErrInvalidRequest))
			return
		}
		lap = n
	}
	timeout, err := parseTimeout(r)
	if err != nil {
		writeError(w, err)
		return
	}

	full, err := h.svc.EnsureFullyLoaded(r.Context(), id, h.wait(timeout))
	switch {
	case errors.Is(err, session.ErrTimeout):
		writeJSON(w, http.StatusAccepted, telemetryResponse{SessionID: id, Samples: []model.TelemetrySample{}})
		return
	case err != nil:
		writeError(w, err)
		return
	}

	snap, err := h.svc.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := telemetryResponse{SessionID: id, FullyLoaded: full, Samples: []model.TelemetrySample{}}
	if snap.Dataset != nil {
		for _, s := range snap.Dataset.Telemetry {
			if (driver == "" || s.Driver == driver) && (lap == 0 || s.LapNumber == lap) {
				out.Samples = append(out.Samples, s)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) weather(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataset(w, r)
	if !ok {
		return
	}
	out := ds.Weather
	if out == nil {
		out = []model.WeatherSample{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) dataset(w http.ResponseWriter, r *http.Request) (*model.Dataset, bool) {
	id := chi.URLParam(r, "id")
	snap, err := h.svc.Get(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if snap.Dataset == nil {
		if snap.State == session.StateError {
			writeError(w, fmt.Errorf("%w: %s", session.ErrFetchFailed, snap.LastError))
			return nil, false
		}
		writeError(w, fmt.Errorf("%w: %s", session.ErrNotReady, id))
		return nil, false
	}
	return snap.Dataset, true
}

type cacheInfoResponse struct {
	CachedSessions int            `json:"cached_sessions"`
	Sessions       []session.Info `json:"sessions"`
}

func (h *Handler) cacheInfo(w http.ResponseWriter, _ *http.Request) {
	infos := h.svc.Describe()
	writeJSON(w, http.StatusOK, cacheInfoResponse{CachedSessions: len(infos), Sessions: infos})
}

func (h *Handler) cacheClear(w http.ResponseWriter, _ *http.Request) {
	n := h.svc.ClearAll()
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Cleared %d sessions from cache", n)})
}

func parseTimeout(r *http.Request) (time.Duration, error) {
	v := strings.TrimSpace(r.URL.Query().Get("timeout"))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare numbers are seconds
		secs, nerr := strconv.ParseFloat(v, 64)
		if nerr != nil {
			return 0, fmt.Errorf("%w: timeout %q", session.ErrInvalidRequest, v)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: timeout must not be negative", session.ErrInvalidRequest)
	}
	return d, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, fetcher.ErrUnavailable):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
