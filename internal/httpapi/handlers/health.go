package handlers

import (
	"context"
	"net/http"
	"time"

	"clipforge/internal/httpkit"
	"clipforge/internal/metrics"
)

const checkTimeout = 5 * time.Second

// Health reports liveness. With ?deep=true it also checks the store, redis
// and the storage provider, and answers 503 when the store is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]any{
		"status":  "ok",
		"service": "clipforge-api",
		"version": h.version,
	}

	status := http.StatusOK
	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for name, check := range checks {
			if check["status"] == "ok" {
				continue
			}
			health["status"] = "degraded"
			if name == "store" {
				status = http.StatusServiceUnavailable
			}
		}
		if health["status"] != "ok" {
			h.log.FromContext(ctx).Warn("health check degraded", "checks", checks)
		}
	}

	httpkit.WriteJSON(w, status, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := map[string]map[string]any{
		"store":   h.checkStore(ctx),
		"storage": h.checkStorage(),
	}
	if h.rdb != nil {
		checks["redis"] = h.checkRedis(ctx)
	}
	return checks
}

func (h *Handler) checkStore(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := h.store.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkRedis(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := h.rdb.Ping(checkCtx).Err(); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	} else if h.auditQueue != nil {
		if n, err := h.auditQueue.Len(checkCtx); err == nil {
			result["audit_queue"] = h.auditQueue.Name()
			result["audit_backlog"] = n
		}
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

// checkStorage only reports the provider; probing it would cost a remote call
// per health check.
func (h *Handler) checkStorage() map[string]any {
	return map[string]any{
		"status":   "ok",
		"provider": h.sp.Provider(),
	}
}

// Metrics exposes the in-process counters in Prometheus text format.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.Export()))
}
