package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/codelaboratoryltd/hotspot/pkg/accounting"
)

// readinessChecker is satisfied by *app.
type readinessChecker interface {
	Ready(ctx context.Context) error
}

// newOpsRouter serves metrics and probes. reconciler may be nil.
func newOpsRouter(a *app, reconciler *accounting.Reconciler) http.Handler {
	r := opsRouter(a, a.metrics.Handler())
	if reconciler != nil {
		r.Get("/reconcile/last", func(w http.ResponseWriter, _ *http.Request) {
			report := reconciler.LastReport()
			if report == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no reconciliation yet"})
				return
			}
			writeJSON(w, http.StatusOK, report)
		})
	}
	return r
}

func opsRouter(ready readinessChecker, metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metricsHandler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := ready.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
