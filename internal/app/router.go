package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

// Pinger reports dependency health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	JobHandler *jobs.Handler
	Metrics    *observability.Metrics
	// Checks are pinged by /healthz, keyed by dependency name.
	Checks map[string]Pinger
}

// NewRouter constructs the ops chi.Router exposing health, job queue and
// metrics endpoints.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range params.Checks {
			if err := check.Ping(ctx); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("health check failed", slog.String("dependency", name), slog.Any("error", err))
				}
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "dependency": name})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

// NewServer wraps handler with the configured timeouts.
func NewServer(cfg *Config, handler http.Handler) *http.Server {
	addr := ":8081"
	read, write := 15*time.Second, 15*time.Second
	if cfg != nil {
		if cfg.OpsAddr != "" {
			addr = cfg.OpsAddr
		}
		if cfg.AppReadTimeout > 0 {
			read = cfg.AppReadTimeout
		}
		if cfg.AppWriteTimeout > 0 {
			write = cfg.AppWriteTimeout
		}
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
	}
}
