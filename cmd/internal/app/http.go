package app

import (
	"net/http"
	"time"

	"sigma/cmd/internal/api"
	"sigma/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type httpDeps struct {
	log      Logger
	cfg      Config
	pool     *pgxpool.Pool // nil in memory mode
	registry *prometheus.Registry
	api      *api.Handler
	ws       *realtime.WSGateway
}

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && d.pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if d.pool != nil {
			if err := PingDB(r.Context(), d.pool, 2*time.Second); err != nil {
				d.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{
		Registry:          d.registry,
		EnableOpenMetrics: true,
	}))

	// The JSON API gets CORS; /ws applies its own origin policy.
	apiMux := http.NewServeMux()
	d.api.Register(apiMux)
	mux.Handle("/v1/", WithCORS(apiMux, d.cfg, d.log))

	mux.Handle("GET /ws", d.ws)
}
