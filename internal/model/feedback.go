package model

import "time"

// Source tells where a feedback record came from.
type Source string

const (
	// SourceUser marks records submitted through the feedback endpoint.
	SourceUser Source = "user"
	// SourceLowConfidence marks frames captured automatically because the
	// model was unsure about them.
	SourceLowConfidence Source = "low_confidence"
)

// FeedbackRecord is a persisted retraining sample. It is never mutated after
// it has been written.
type FeedbackRecord struct {
	ID         string      `json:"id"`
	Source     Source      `json:"source"`
	ImagePath  string      `json:"image_path"`
	LabelsPath string      `json:"labels_path,omitempty"`
	ImageSize  int64       `json:"image_size"`
	Detections []Detection `json:"detections,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// FeedbackFilter narrows index queries.
type FeedbackFilter struct {
	Source Source
	Label  string
	After  time.Time
	Before time.Time
	Limit  int
	Offset int
}

// FeedbackStats summarizes the feedback index.
type FeedbackStats struct {
	TotalRecords   int            `json:"total_records"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	PerSource      map[string]int `json:"per_source"`
	LabelCounts    map[string]int `json:"label_counts"`
}
