package handler

import (
	"net/http"

	"detectserver/internal/config"
	"detectserver/internal/dto"
	"detectserver/internal/logger"
)

// HealthHandler reports the model state. It answers 503 until the model is
// loaded so load balancers keep traffic away.
func HealthHandler(detector Detector, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := detector.Health()

		resp := dto.HealthResponse{
			Status:       "ok",
			HealthStatus: health,
			Camera:       cfg.CameraEnabled(),
			FeedbackDir:  cfg.FeedbackDirectory,
		}

		status := http.StatusOK
		if !health.Ready {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp, logger)
	}
}
