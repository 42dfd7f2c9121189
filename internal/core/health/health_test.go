package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fixedReporter struct {
	ready bool
	parts []int32
}

func (f fixedReporter) Readiness() (bool, []int32) { return f.ready, f.parts }

type pingerFunc func(ctx context.Context) error

func (p pingerFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestReadiness(t *testing.T) {
	okPing := pingerFunc(func(context.Context) error { return nil })
	badPing := pingerFunc(func(context.Context) error { return errors.New("redis down") })

	cases := []struct {
		name    string
		rr      ReadinessReporter
		pingers []Pinger
		code    int
		status  string
	}{
		{"no deps", nil, nil, http.StatusOK, "ready"},
		{"assigned", fixedReporter{true, []int32{0, 1}}, []Pinger{okPing}, http.StatusOK, "ready"},
		{"unassigned", fixedReporter{false, nil}, []Pinger{okPing}, http.StatusServiceUnavailable, "not_ready"},
		{"ping fails", fixedReporter{true, nil}, []Pinger{okPing, badPing}, http.StatusServiceUnavailable, "not_ready"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Readiness(tc.rr, tc.pingers...)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tc.code {
				t.Fatalf("status=%d want %d", rr.Code, tc.code)
			}
			var body struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tc.status {
				t.Fatalf("status=%q want %q", body.Status, tc.status)
			}
			if tc.name == "ping fails" && body.Error != "redis down" {
				t.Fatalf("error=%q", body.Error)
			}
		})
	}
}
