package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"ddllock/internal/distlock"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type locksResponse struct {
	Session string                 `json:"session"`
	Locks   []distlock.EntryStatus `json:"locks"`
}

// newStatusServer serves Prometheus metrics on metricsPath and the local
// lock table on /locks.
func newStatusServer(addr, metricsPath string, reg *prometheus.Registry, registry *distlock.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/locks", locksHandler(registry, logger))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func locksHandler(registry *distlock.Registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		m := registry.Get()
		if m == nil {
			http.Error(w, "lock manager not initialised", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		resp := locksResponse{Session: m.SessionID(), Locks: m.Table().Snapshot()}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("failed to write lock status", "error", err)
		}
	})
}
