package dto

import (
	"detectserver/internal/model"
)

// DetectResponse is the payload returned by the detect endpoints.
type DetectResponse struct {
	RequestID   string            `json:"request_id,omitempty"`
	Detections  []model.Detection `json:"detections"`
	Count       int               `json:"count"`
	ImageWidth  int               `json:"image_width"`
	ImageHeight int               `json:"image_height"`
	Timings     *TimingsMs        `json:"timings_ms,omitempty"`
}

// TimingsMs holds pipeline stage durations in milliseconds.
type TimingsMs struct {
	Decode      float64 `json:"decode"`
	Preprocess  float64 `json:"preprocess"`
	Inference   float64 `json:"inference"`
	Postprocess float64 `json:"postprocess"`
	Total       float64 `json:"total"`
}

// NewTimingsMs converts stage timings for the response.
func NewTimingsMs(t model.Timings) *TimingsMs {
	return &TimingsMs{
		Decode:      float64(t.ImageDecode.Microseconds()) / 1000,
		Preprocess:  float64(t.Preprocess.Microseconds()) / 1000,
		Inference:   float64(t.Inference.Microseconds()) / 1000,
		Postprocess: float64(t.Postprocess.Microseconds()) / 1000,
		Total:       float64(t.Total.Microseconds()) / 1000,
	}
}
