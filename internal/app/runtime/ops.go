package runtime

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	app "github.com/R3E-Network/prediction_layer/internal/app"
	"github.com/R3E-Network/prediction_layer/internal/app/metrics"
	"github.com/R3E-Network/prediction_layer/internal/app/services/engine"
	"github.com/R3E-Network/prediction_layer/internal/httputil"
	"github.com/R3E-Network/prediction_layer/internal/middleware"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

// opsHandler serves the worker's operational endpoints. client may be nil
// when no engine is configured.
func opsHandler(application *app.Application, client *engine.Client, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging(log))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		depth, err := application.Queue.Len(req.Context())
		if err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": depth})
	})
	r.Get("/healthz/engine", func(w http.ResponseWriter, req *http.Request) {
		if client == nil {
			httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
			return
		}
		info, err := client.ModelInfo(req.Context())
		if err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "model_info": info})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Manual reconciliation pass, for operators draining a stuck queue.
	r.Post("/reconcile", func(w http.ResponseWriter, req *http.Request) {
		report, err := application.Reconciler.RunOnce(req.Context())
		if err != nil {
			log.WithError(err).Warn("manual reconcile failed")
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"reclaimed":      report.Reclaimed,
			"stale_queued":   report.StaleQueued,
			"expired_leases": report.ExpiredLeases,
			"queue_depth":    report.QueueDepth,
		})
	})
	return r
}
