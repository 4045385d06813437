package repository

import (
	"detectserver/internal/model"
)

// RecordRepository defines the index operations for feedback records. The
// files under FEEDBACK_DIR stay the source of truth; the index only speeds up
// listing and filtering.
type RecordRepository interface {
	// Create operations
	Insert(rec *model.FeedbackRecord) error

	// Read operations
	GetByID(id string) (*model.FeedbackRecord, error)
	GetAll(filter *model.FeedbackFilter) ([]model.FeedbackRecord, error)
	GetTotalCount(filter *model.FeedbackFilter) (int, error)
	Exists(id string) (bool, error)
	GetStats() (*model.FeedbackStats, error)

	// Delete operations, used only to rebuild the index
	DeleteAll() error
}

// LabelRepository defines read operations on the labels attached to records.
type LabelRepository interface {
	GetByRecordID(recordID string) ([]model.Detection, error)
	GetLabelNamesByRecordID(recordID string) ([]string, error)
	GetAllLabelNames() ([]string, error)
}
