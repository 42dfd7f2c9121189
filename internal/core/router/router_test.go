package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/fetcher"
	"github.com/hamzanaeem10/apexanalyst/internal/logger"
	"github.com/hamzanaeem10/apexanalyst/internal/session"
	"github.com/hamzanaeem10/apexanalyst/internal/workpool"
)

// upstream serves small datasets. Full fetches block on fullGate when set.
type upstream struct {
	reducedErr error
	fullGate   chan struct{}
	fullCalls  atomic.Int64
	events     []model.Event
	eventsErr  error
}

func (u *upstream) Schedule(_ context.Context, _ int) ([]model.Event, error) {
	return u.events, u.eventsErr
}

func (u *upstream) Fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (*model.Dataset, error) {
	if f == model.FidelityReduced && u.reducedErr != nil {
		return nil, u.reducedErr
	}
	ds := &model.Dataset{
		Season: key.Season, Event: key.Event, Kind: key.Kind, Fidelity: f,
		Drivers: []model.Driver{
			{Number: 1, Abbreviation: "VER", TeamName: "Red Bull Racing", TeamColor: "3671C6"},
			{Number: 4, Abbreviation: "NOR", TeamName: "McLaren", TeamColor: "FF8000"},
		},
		Laps: []model.Lap{
			{Driver: "VER", LapNumber: 1, LapTime: 80 * time.Second},
			{Driver: "NOR", LapNumber: 1, LapTime: 81 * time.Second},
			{Driver: "VER", LapNumber: 2, LapTime: 79 * time.Second},
		},
	}
	if f == model.FidelityFull {
		u.fullCalls.Add(1)
		if u.fullGate != nil {
			select {
			case <-u.fullGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ds.Telemetry = []model.TelemetrySample{
			{Driver: "VER", LapNumber: 1, Speed: 290},
			{Driver: "VER", LapNumber: 2, Speed: 300},
			{Driver: "NOR", LapNumber: 1, Speed: 295},
		}
		ds.Telemetry[0].Distance, ds.Telemetry[0].X, ds.Telemetry[0].Y = 0, 1, 2
		ds.Telemetry[1].Distance = 5793
		ds.Weather = []model.WeatherSample{{AirTemp: 24.5, TrackTemp: 41}}
	}
	return ds, nil
}

func newAPI(t *testing.T, u *upstream) (http.Handler, *session.Cache) {
	t.Helper()
	pool := workpool.New(logger.Discard(), 2, 8)
	t.Cleanup(func() {
		if u.fullGate != nil {
			select {
			case <-u.fullGate:
			default:
				close(u.fullGate)
			}
		}
		_ = pool.Close(context.Background())
	})
	c := session.New(u, session.Options{Logger: logger.Discard(), Scheduler: pool})
	return New(logger.Discard(), c, u, nil).Routes(), c
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(s))
	} else if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, rd))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func load(t *testing.T, h http.Handler) loadResponse {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/load", loadRequest{Year: 2024, GrandPrix: "Monza", SessionName: "race"})
	if rr.Code != http.StatusOK {
		t.Fatalf("load status=%d body=%s", rr.Code, rr.Body.String())
	}
	return decode[loadResponse](t, rr)
}

func waitFull(t *testing.T, c *session.Cache, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, err := c.Get(id); err == nil && snap.FullyLoaded {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never became fully loaded", id)
}

func TestLoad_ReturnsReducedSummary(t *testing.T) {
	h, c := newAPI(t, &upstream{})
	out := load(t, h)

	if out.SessionID == "" || out.SessionName != "RACE" || out.GrandPrix != "Monza" || out.Year != 2024 {
		t.Fatalf("unexpected identity: %+v", out)
	}
	if len(out.Drivers) != 2 || len(out.Teams) != 2 || out.LapCount != 3 {
		t.Fatalf("drivers=%d teams=%d laps=%d", len(out.Drivers), len(out.Teams), out.LapCount)
	}
	if out.Teams[0].Color != "#3671C6" {
		t.Fatalf("team color=%q", out.Teams[0].Color)
	}

	if out.TrackData.Name != "Monza" || out.TrackData.Length != model.DefaultTrackLength || len(out.TrackData.Segments) != 10 {
		t.Fatalf("reduced track_data=%+v", out.TrackData)
	}

	waitFull(t, c, out.SessionID)
	again := load(t, h)
	if again.SessionID != out.SessionID || !again.FullyLoaded {
		t.Fatalf("second load=%+v", again)
	}
	if again.TrackData.Length != 5793 || len(again.TrackData.Path) == 0 {
		t.Fatalf("full track_data=%+v", again.TrackData)
	}
}

func TestLoad_TrackDataFieldNames(t *testing.T) {
	h, _ := newAPI(t, &upstream{})
	rr := do(t, h, http.MethodPost, "/load", loadRequest{Year: 2024, GrandPrix: "Monza", SessionName: "R"})
	body := rr.Body.String()
	for _, field := range []string{`"track_data":{`, `"track_name":"Monza"`, `"track_length":5000`, `"track_path":[]`, `"segment_definitions":[`, `"fully_loaded":`, `"state":`} {
		if !strings.Contains(body, field) {
			t.Fatalf("load body missing %s: %s", field, body)
		}
	}
}

func TestSchedule_SkipsTestingEvents(t *testing.T) {
	u := &upstream{events: []model.Event{
		{RoundNumber: 0, Name: "Pre-Season Testing", Format: model.EventFormatTesting},
		{RoundNumber: 1, Name: "Bahrain Grand Prix", Country: "Bahrain", Location: "Sakhir", Date: "2024-03-02", Format: "conventional"},
		{RoundNumber: 6, Name: "Miami Grand Prix", Country: "United States", Location: "Miami", Date: "2024-05-05", Format: "sprint_qualifying"},
	}}
	h, _ := newAPI(t, u)

	rr := do(t, h, http.MethodGet, "/schedule/2024", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	out := decode[scheduleResponse](t, rr)
	if out.Year != 2024 || len(out.Events) != 2 {
		t.Fatalf("schedule=%+v", out)
	}
	if out.Events[0].Name != "Bahrain Grand Prix" || out.Events[0].Location != "Sakhir" || out.Events[1].Format != "sprint_qualifying" {
		t.Fatalf("events=%+v", out.Events)
	}
}

func TestSchedule_Errors(t *testing.T) {
	cases := []struct {
		name string
		u    *upstream
		path string
		want int
	}{
		{"before first season", &upstream{}, "/schedule/2017", http.StatusBadRequest},
		{"after last season", &upstream{}, "/schedule/2026", http.StatusBadRequest},
		{"not a number", &upstream{}, "/schedule/next", http.StatusBadRequest},
		{"unknown upstream", &upstream{eventsErr: fmt.Errorf("%w: schedule 2020", fetcher.ErrUnavailable)}, "/schedule/2020", http.StatusNotFound},
		{"upstream failure", &upstream{eventsErr: errors.New("upstream status 500")}, "/schedule/2020", http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newAPI(t, tc.u)
			rr := do(t, h, http.MethodGet, tc.path, nil)
			if rr.Code != tc.want {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestSchedule_NotConfigured(t *testing.T) {
	c := session.New(&upstream{}, session.Options{Logger: logger.Discard()})
	h := New(logger.Discard(), c, nil, nil).Routes()
	if rr := do(t, h, http.MethodGet, "/schedule/2024", nil); rr.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d want 501", rr.Code)
	}
}

func TestLoad_RejectsBadRequests(t *testing.T) {
	h, _ := newAPI(t, &upstream{})
	cases := map[string]any{
		"bad json":     "{",
		"unknown kind": loadRequest{Year: 2024, GrandPrix: "Monza", SessionName: "warmup"},
		"old season":   loadRequest{Year: 1999, GrandPrix: "Monza", SessionName: "R"},
		"empty event":  loadRequest{Year: 2024, GrandPrix: "  ", SessionName: "R"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/load", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			if msg := decode[map[string]string](t, rr)["detail"]; msg == "" {
				t.Fatalf("missing detail")
			}
		})
	}
}

func TestLoad_UpstreamFailureIsBadGateway(t *testing.T) {
	u := &upstream{reducedErr: errors.New("upstream 500")}
	h, c := newAPI(t, u)

	rr := do(t, h, http.MethodPost, "/load", loadRequest{Year: 2023, GrandPrix: "Baku", SessionName: "Q"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", rr.Code)
	}
	infos := c.Describe()
	if len(infos) != 1 || infos[0].State != session.StateError {
		t.Fatalf("describe=%+v", infos)
	}
	id := infos[0].ID

	st := do(t, h, http.MethodGet, "/"+id, nil)
	if st.Code != http.StatusOK {
		t.Fatalf("status endpoint=%d", st.Code)
	}
	if got := decode[statusResponse](t, st); got.State != session.StateError || got.LastError == "" || got.Laps != 0 {
		t.Fatalf("status=%+v", got)
	}
	if rr := do(t, h, http.MethodGet, "/"+id+"/drivers", nil); rr.Code != http.StatusBadGateway {
		t.Fatalf("drivers on poisoned record=%d want 502", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/"+id+"/ensure-full", nil); rr.Code != http.StatusBadGateway {
		t.Fatalf("ensure on poisoned record=%d want 502", rr.Code)
	}
}

func TestUnknownSession_IsNotFound(t *testing.T) {
	h, _ := newAPI(t, &upstream{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/deadbeef"},
		{http.MethodGet, "/deadbeef/laps"},
		{http.MethodGet, "/deadbeef/telemetry"},
		{http.MethodPost, "/deadbeef/ensure-full"},
		{http.MethodDelete, "/deadbeef"},
	} {
		if rr := do(t, h, tc.method, tc.path, nil); rr.Code != http.StatusNotFound {
			t.Fatalf("%s %s=%d want 404", tc.method, tc.path, rr.Code)
		}
	}
}

func TestDriversAndLaps(t *testing.T) {
	h, _ := newAPI(t, &upstream{})
	id := load(t, h).SessionID

	drivers := decode[[]string](t, do(t, h, http.MethodGet, "/"+id+"/drivers", nil))
	if strings.Join(drivers, ",") != "VER,NOR" {
		t.Fatalf("drivers=%v", drivers)
	}
	laps := decode[[]model.Lap](t, do(t, h, http.MethodGet, "/"+id+"/laps?driver_id=ver", nil))
	if len(laps) != 2 || laps[1].LapNumber != 2 {
		t.Fatalf("laps=%+v", laps)
	}
	all := decode[[]model.Lap](t, do(t, h, http.MethodGet, "/"+id+"/laps", nil))
	if len(all) != 3 {
		t.Fatalf("all laps=%d", len(all))
	}
}

func TestTelemetry_AcceptedUntilFullThenFiltered(t *testing.T) {
	u := &upstream{fullGate: make(chan struct{})}
	h, c := newAPI(t, u)
	id := load(t, h).SessionID

	rr := do(t, h, http.MethodGet, "/"+id+"/telemetry?driver_id=VER&timeout=20ms", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d want 202 body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[telemetryResponse](t, rr); got.FullyLoaded || len(got.Samples) != 0 {
		t.Fatalf("pending telemetry=%+v", got)
	}

	close(u.fullGate)
	waitFull(t, c, id)

	rr = do(t, h, http.MethodGet, "/"+id+"/telemetry?driver_id=VER&lap=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	got := decode[telemetryResponse](t, rr)
	if !got.FullyLoaded || len(got.Samples) != 1 || got.Samples[0].Speed != 300 {
		t.Fatalf("telemetry=%+v", got)
	}
	if n := u.fullCalls.Load(); n != 1 {
		t.Fatalf("full fetches=%d want 1", n)
	}

	if rr := do(t, h, http.MethodGet, "/"+id+"/telemetry?lap=zero", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad lap=%d", rr.Code)
	}
	w := decode[[]model.WeatherSample](t, do(t, h, http.MethodGet, "/"+id+"/weather", nil))
	if len(w) != 1 || w[0].TrackTemp != 41 {
		t.Fatalf("weather=%+v", w)
	}
}

func TestEnsureFull_TimeoutIsNotAnError(t *testing.T) {
	u := &upstream{fullGate: make(chan struct{})}
	h, c := newAPI(t, u)
	id := load(t, h).SessionID

	rr := do(t, h, http.MethodPost, "/"+id+"/ensure-full?timeout=0.02", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	got := decode[ensureResponse](t, rr)
	if got.FullyLoaded || got.Error == "" || got.State == session.StateError {
		t.Fatalf("ensure=%+v", got)
	}

	close(u.fullGate)
	waitFull(t, c, id)
	got = decode[ensureResponse](t, do(t, h, http.MethodPost, "/"+id+"/ensure-full?timeout=1s", nil))
	if !got.FullyLoaded || got.State != session.StateReady || got.Error != "" {
		t.Fatalf("ensure after upgrade=%+v", got)
	}

	if rr := do(t, h, http.MethodPost, "/"+id+"/ensure-full?timeout=-1s", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("negative timeout=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/"+id+"/ensure-full?timeout=soon", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("garbage timeout=%d", rr.Code)
	}
}

func TestCacheInfoClearAndEvict(t *testing.T) {
	h, c := newAPI(t, &upstream{})
	for _, gp := range []string{"Monza", "Spa", "Zandvoort"} {
		rr := do(t, h, http.MethodPost, "/load", loadRequest{Year: 2024, GrandPrix: gp, SessionName: "FP1"})
		if rr.Code != http.StatusOK {
			t.Fatalf("load %s=%d", gp, rr.Code)
		}
	}

	info := decode[cacheInfoResponse](t, do(t, h, http.MethodGet, "/cache/info", nil))
	if info.CachedSessions != 3 || len(info.Sessions) != 3 {
		t.Fatalf("info=%+v", info)
	}

	id := info.Sessions[0].ID
	if rr := do(t, h, http.MethodDelete, "/"+id, nil); rr.Code != http.StatusOK {
		t.Fatalf("evict=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/"+id, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("evicted session=%d want 404", rr.Code)
	}

	msg := decode[map[string]string](t, do(t, h, http.MethodDelete, "/cache/clear", nil))["message"]
	if msg != fmt.Sprintf("Cleared %d sessions from cache", 2) {
		t.Fatalf("clear message=%q", msg)
	}
	if c.Len() != 0 {
		t.Fatalf("len after clear=%d", c.Len())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", session.ErrInvalidRequest), http.StatusBadRequest},
		{session.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: schedule 2019", fetcher.ErrUnavailable), http.StatusNotFound},
		{session.ErrNotReady, http.StatusConflict},
		{fmt.Errorf("%w: boom", session.ErrFetchFailed), http.StatusBadGateway},
		{session.ErrTimeout, http.StatusGatewayTimeout},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}
