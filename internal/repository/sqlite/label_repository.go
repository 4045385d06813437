package sqlite

import (
	"fmt"

	"detectserver/internal/model"
)

// LabelRepository implements repository.LabelRepository for SQLite.
type LabelRepository struct {
	db *DB
}

// NewLabelRepository creates a new SQLite label repository.
func NewLabelRepository(db *DB) *LabelRepository {
	return &LabelRepository{db: db}
}

// GetByRecordID retrieves all labels of a record in insertion order.
func (r *LabelRepository) GetByRecordID(recordID string) ([]model.Detection, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	return queryLabels(r.db.Conn(), recordID)
}

// GetLabelNamesByRecordID returns the distinct label names of a record.
func (r *LabelRepository) GetLabelNamesByRecordID(recordID string) ([]string, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`SELECT DISTINCT label FROM labels WHERE record_id = ? ORDER BY label`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query label names: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan label name: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// GetAllLabelNames returns every distinct label in the index.
func (r *LabelRepository) GetAllLabelNames() ([]string, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`SELECT DISTINCT label FROM labels ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}
