package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pinger is the readiness dependency; every archive.Store satisfies it.
type pinger interface {
	Ping(ctx context.Context) error
}

func newRouter(log Logger, store pinger, search http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(WithMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(WithRequestLogging(log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			log.Info("readyz.store.not_ready", "err", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Method(http.MethodGet, "/search/{channel}", search)

	return r
}
