// Package health serves liveness and readiness checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Pinger is a dependency checked on every readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}

// Readiness is ready when rr reports ready and every pinger answers within
// one second. A nil rr counts as ready.
func Readiness(rr ReadinessReporter, pingers ...Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Partitions []int32 `json:"partitions,omitempty"`
			Error      string  `json:"error,omitempty"`
		}
		ready, parts := true, []int32(nil)
		if rr != nil {
			ready, parts = rr.Readiness()
		}
		out := resp{Status: "not_ready"}
		if ready {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			for _, p := range pingers {
				if err := p.Ping(ctx); err != nil {
					ready = false
					out.Error = err.Error()
					break
				}
			}
		}
		if ready {
			out.Status = "ready"
			out.Partitions = parts
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
