package route

import (
	"net/http"

	"detectserver/internal/config"
	"detectserver/internal/handler"
	"detectserver/internal/logger"
	"detectserver/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Services groups what the routes are built from.
type Services struct {
	Detector handler.Detector
	Feedback handler.FeedbackStore
	Streams  handler.Subscriptions
}

// SetupRoutes registers the API, streaming and log endpoints and wraps the
// router with CORS, request logging and panic recovery.
func SetupRoutes(svc Services, cfg *config.Config, logger *logger.Logger) http.Handler {
	r := mux.NewRouter()
	upgrader := handler.NewUpgrader(cfg.AllowedOrigins)

	// Health
	r.HandleFunc("/health", handler.HealthHandler(svc.Detector, cfg, logger)).Methods(http.MethodGet)

	// API endpoints
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/detect", handler.DetectHandler(svc.Detector, cfg, logger)).Methods(http.MethodPost)
	api.HandleFunc("/feedback", handler.SubmitFeedbackHandler(svc.Feedback, cfg, logger)).Methods(http.MethodPost)
	api.HandleFunc("/feedback", handler.ListFeedbackHandler(svc.Feedback, logger)).Methods(http.MethodGet)
	api.HandleFunc("/feedback/stats", handler.FeedbackStatsHandler(svc.Feedback, logger)).Methods(http.MethodGet)
	api.HandleFunc("/feedback/labels", handler.FeedbackLabelsHandler(svc.Feedback, logger)).Methods(http.MethodGet)
	api.HandleFunc("/feedback/{id}", handler.GetFeedbackHandler(svc.Feedback, logger)).Methods(http.MethodGet)
	api.HandleFunc("/feedback/{id}/image", handler.ViewFeedbackImageHandler(svc.Feedback, logger)).Methods(http.MethodGet)

	// Streaming
	r.HandleFunc("/video", handler.VideoStreamHandler(svc.Streams, cfg, logger)).Methods(http.MethodGet)
	r.HandleFunc("/ws/stream", handler.EventsWebsocketHandler(svc.Streams, upgrader, logger))
	r.HandleFunc("/ws/detect", handler.DetectWebsocketHandler(svc.Detector, upgrader, cfg, logger))

	// Log endpoints
	r.HandleFunc("/logs/{level}", handler.ShowLogsHandler(logger)).Methods(http.MethodGet)
	r.HandleFunc("/logs/{level}/clear", handler.ClearLogsHandler(logger)).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	var h http.Handler = r
	h = c.Handler(h)
	h = middleware.LoggingMiddleware(logger)(h)
	h = middleware.RecoveryMiddleware(logger)(h)
	return h
}
