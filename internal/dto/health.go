package dto

import (
	"detectserver/internal/service/vision"
)

// HealthResponse reports whether the service can answer detect requests.
type HealthResponse struct {
	Status string `json:"status"`
	vision.HealthStatus
	Camera      bool   `json:"camera"`
	FeedbackDir string `json:"feedback_dir"`
}
