package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hamzanaeem10/apexanalyst/internal/core/config"
	"github.com/hamzanaeem10/apexanalyst/internal/core/health"
	middleware "github.com/hamzanaeem10/apexanalyst/internal/core/middleware"
	"github.com/hamzanaeem10/apexanalyst/internal/metrics"
)

const APIPrefix = "/api/v1/session"

// Deps is everything mounted on the HTTP surface.
type Deps struct {
	API       http.Handler
	Metrics   *metrics.Provider
	Readiness health.ReadinessReporter
	Pingers   []health.Pinger
}

// NewRouter assembles middlewares, health checks and the session API. Metrics are
// mounted here unless they are served on their own listener.
func NewRouter(cfg config.Config, logger *slog.Logger, d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Metrics())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Readiness, d.Pingers...))
	if d.Metrics != nil && !d.Metrics.Separate() {
		r.Method(http.MethodGet, d.Metrics.Path(), d.Metrics.Handler())
	}
	r.Mount(APIPrefix, d.API)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	servers := []*http.Server{newServer(cfg.Addr, NewRouter(cfg, logger, d))}
	if d.Metrics != nil && d.Metrics.Separate() {
		mux := http.NewServeMux()
		mux.Handle(d.Metrics.Path(), d.Metrics.Handler())
		servers = append(servers, newServer(d.Metrics.Addr(), mux))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("http listen", "addr", ln.Addr().String())
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ensure-full and telemetry may block for the clamped ensure timeout
		WriteTimeout: 11 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}
