package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"upscaler/internal/httpkit"
	"upscaler/internal/ports"
	"upscaler/internal/worker/util"
)

// Health reports liveness. With ?deep=true it also checks the backend and
// every configured dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "upscaler",
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for name, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "check", name, "error", check["error"])
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := make(map[string]map[string]any)
	if h.backend != nil {
		checks["backend"] = check(ctx, h.backend.Ping)
	}
	if h.queue != nil {
		checks["redis"] = check(ctx, h.queue.Ping)
	}
	if h.db != nil {
		checks["postgres"] = check(ctx, h.db.Ping)
	}
	if h.sp != nil {
		c := check(ctx, func(ctx context.Context) error { return probeStorage(ctx, h.sp) })
		c["provider"] = h.sp.Provider()
		checks["storage"] = c
	}
	return checks
}

func check(ctx context.Context, ping func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

// probeStorage writes, reads back and deletes a small object.
func probeStorage(ctx context.Context, sp ports.StorageProvider) error {
	const body = "ok"
	out, err := sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   ".healthcheck/" + util.NewID("probe"),
		ContentType: "text/plain",
		Reader:      strings.NewReader(body),
		Size:        int64(len(body)),
	})
	if err != nil {
		return err
	}
	defer sp.DeleteObject(context.WithoutCancel(ctx), out.ObjectKey)

	rc, _, _, err := sp.GetObject(ctx, out.ObjectKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}
