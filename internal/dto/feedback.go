package dto

import (
	"detectserver/internal/model"
)

// FeedbackResponse is returned after a feedback record was stored.
type FeedbackResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Labels int    `json:"labels"`
}

// FeedbackPage is a paginated response payload for the feedback listing.
type FeedbackPage struct {
	Records     []model.FeedbackRecord `json:"records"`
	FeedbackDir string                 `json:"feedbackDir"`
	Length      int                    `json:"length"`
	TotalPages  int                    `json:"totalPages"`
	CurrentPage int                    `json:"currentPage"`
	Limit       int                    `json:"pageSize"`
}
