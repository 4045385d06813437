package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"detectserver/internal/model"
)

// RecordRepository implements repository.RecordRepository for SQLite.
type RecordRepository struct {
	db *DB
}

// NewRecordRepository creates a new SQLite record repository.
func NewRecordRepository(db *DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Insert adds a record and its labels in a single transaction.
func (r *RecordRepository) Insert(rec *model.FeedbackRecord) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO records (id, source, image_path, labels_path, image_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, string(rec.Source), rec.ImagePath, rec.LabelsPath, rec.ImageSize, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	if len(rec.Detections) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO labels (record_id, label, class_id, x_min, y_min, x_max, y_max, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, d := range rec.Detections {
			if _, err := stmt.Exec(rec.ID, d.Label, d.ClassID, d.Box.XMin, d.Box.YMin, d.Box.XMax, d.Box.YMax, d.Confidence); err != nil {
				return fmt.Errorf("failed to insert label: %w", err)
			}
		}
	}

	return tx.Commit()
}

// GetByID retrieves a record with its labels. It returns nil when absent.
func (r *RecordRepository) GetByID(id string) (*model.FeedbackRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var rec model.FeedbackRecord
	var source string
	err := r.db.Conn().QueryRow(`
		SELECT id, source, image_path, labels_path, image_size, created_at
		FROM records WHERE id = ?
	`, id).Scan(&rec.ID, &source, &rec.ImagePath, &rec.LabelsPath, &rec.ImageSize, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	rec.Source = model.Source(source)

	dets, err := queryLabels(r.db.Conn(), id)
	if err != nil {
		return nil, err
	}
	rec.Detections = dets
	return &rec, nil
}

// buildFilter turns a filter into a WHERE clause over records aliased as r.
func buildFilter(filter *model.FeedbackFilter) (string, []interface{}) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter == nil {
		return strings.Join(where, " AND "), args
	}

	if filter.Source != "" {
		where = append(where, "r.source = ?")
		args = append(args, string(filter.Source))
	}

	if filter.Label != "" {
		where = append(where, "EXISTS (SELECT 1 FROM labels l WHERE l.record_id = r.id AND l.label = ?)")
		args = append(args, filter.Label)
	}

	if !filter.After.IsZero() {
		where = append(where, "r.created_at >= ?")
		args = append(args, filter.After.UTC())
	}

	if !filter.Before.IsZero() {
		where = append(where, "r.created_at < ?")
		args = append(args, filter.Before.UTC())
	}

	return strings.Join(where, " AND "), args
}

// GetAll retrieves records, newest first, without their labels.
func (r *RecordRepository) GetAll(filter *model.FeedbackFilter) ([]model.FeedbackRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := buildFilter(filter)
	query := `
		SELECT r.id, r.source, r.image_path, r.labels_path, r.image_size, r.created_at
		FROM records r
		WHERE ` + where + `
		ORDER BY r.created_at DESC, r.id DESC`

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)

		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []model.FeedbackRecord{}
	for rows.Next() {
		var rec model.FeedbackRecord
		var source string
		if err := rows.Scan(&rec.ID, &source, &rec.ImagePath, &rec.LabelsPath, &rec.ImageSize, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Source = model.Source(source)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetTotalCount returns the number of records matching the filter.
func (r *RecordRepository) GetTotalCount(filter *model.FeedbackFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := buildFilter(filter)

	var count int
	if err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM records r WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}

	return count, nil
}

// Exists checks if a record with the given id is indexed.
func (r *RecordRepository) Exists(id string) (bool, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var count int
	err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM records WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check record existence: %w", err)
	}
	return count > 0, nil
}

// GetStats returns statistics about indexed records.
func (r *RecordRepository) GetStats() (*model.FeedbackStats, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	stats := &model.FeedbackStats{
		PerSource:   make(map[string]int),
		LabelCounts: make(map[string]int),
	}

	if err := r.db.Conn().QueryRow(`SELECT COUNT(*), COALESCE(SUM(image_size), 0) FROM records`).
		Scan(&stats.TotalRecords, &stats.TotalSizeBytes); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	rows, err := r.db.Conn().Query(`SELECT source, COUNT(*) FROM records GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to group records: %w", err)
	}

	// The pool holds a single connection, so rows must be closed before the
	// next query.
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.PerSource[source] = count
	}
	rows.Close()

	// Most common labels
	labelRows, err := r.db.Conn().Query(`
		SELECT label, COUNT(*) as cnt
		FROM labels
		GROUP BY label
		ORDER BY cnt DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to group labels: %w", err)
	}
	defer labelRows.Close()

	for labelRows.Next() {
		var label string
		var count int
		if err := labelRows.Scan(&label, &count); err != nil {
			return nil, err
		}
		stats.LabelCounts[label] = count
	}

	return stats, nil
}

// DeleteAll removes every record and label from the index. Files on disk are
// not touched.
func (r *RecordRepository) DeleteAll() error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`DELETE FROM labels`); err != nil {
		return fmt.Errorf("failed to delete labels: %w", err)
	}

	if _, err := r.db.Conn().Exec(`DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}

	return nil
}

// queryLabels reads the labels of one record. Callers hold the lock.
func queryLabels(conn *sql.DB, recordID string) ([]model.Detection, error) {
	rows, err := conn.Query(`
		SELECT label, class_id, x_min, y_min, x_max, y_max, confidence
		FROM labels WHERE record_id = ? ORDER BY id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	var dets []model.Detection
	for rows.Next() {
		var d model.Detection
		if err := rows.Scan(&d.Label, &d.ClassID, &d.Box.XMin, &d.Box.YMin, &d.Box.XMax, &d.Box.YMax, &d.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		dets = append(dets, d)
	}
	return dets, rows.Err()
}
