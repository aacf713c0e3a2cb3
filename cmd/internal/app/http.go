package app

import (
	"net/http"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.stores.Durable() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if err := a.stores.Ping(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "store", a.stores.Backend(), "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", a.metrics.Handler())

	a.api.Register(mux)
}
