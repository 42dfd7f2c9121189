package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hamzanaeem10/apexanalyst/internal/core/config"
	"github.com/hamzanaeem10/apexanalyst/internal/core/health"
	"github.com/hamzanaeem10/apexanalyst/internal/logger"
	"github.com/hamzanaeem10/apexanalyst/internal/metrics"
)

type notReady struct{}

func (notReady) Readiness() (bool, []int32) { return false, nil }

type failingPing struct{}

func (failingPing) Ping(context.Context) error { return errors.New("down") }

func api() http.Handler {
	r := chi.NewRouter()
	r.Get("/cache/info", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("info")) })
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestNewRouter_MountsHealthMetricsAndAPI(t *testing.T) {
	mp, err := metrics.Init(metrics.Config{})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	r := NewRouter(config.Default(), logger.Discard(), Deps{API: api(), Metrics: mp})

	if rr := get(t, r, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rr.Code)
	}
	if rr := get(t, r, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz=%d", rr.Code)
	}
	if rr := get(t, r, APIPrefix+"/cache/info"); rr.Code != http.StatusOK || rr.Body.String() != "info" {
		t.Fatalf("api=%d %q", rr.Code, rr.Body.String())
	}
	rr := get(t, r, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "apexanalyst_build_info") {
		t.Fatalf("metrics=%d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header not set")
	}
}

func TestNewRouter_SeparateMetricsAndUnready(t *testing.T) {
	mp, err := metrics.Init(metrics.Config{Enabled: true, Addr: ":0"})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	r := NewRouter(config.Default(), logger.Discard(), Deps{
		API: api(), Metrics: mp, Readiness: notReady{},
	})
	if rr := get(t, r, "/metrics"); rr.Code != http.StatusNotFound {
		t.Fatalf("metrics on api listener=%d want 404", rr.Code)
	}
	if rr := get(t, r, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want 503", rr.Code)
	}

	r = NewRouter(config.Default(), logger.Discard(), Deps{API: api(), Pingers: nil})
	if rr := get(t, r, "/readyz"); rr.Code != http.StatusOK {
		t.Fatalf("readyz without deps=%d", rr.Code)
	}
	r = NewRouter(config.Default(), logger.Discard(), Deps{API: api(), Pingers: []health.Pinger{failingPing{}}})
	if rr := get(t, r, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing ping=%d", rr.Code)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, logger.Discard(), Deps{API: api()}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
