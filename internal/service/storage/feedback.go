package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"detectserver/internal/apperr"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/repository"

	"github.com/google/uuid"
)

const (
	// LabelsFileName holds one detection per line.
	LabelsFileName = "labels.txt"
	// RecordFileName holds the JSON form of the record, used to rebuild the index.
	RecordFileName = "record.json"

	imageBaseName = "image"
	tempPrefix    = ".tmp-"
)

// Store persists feedback records under a directory, one folder per record.
// The folders are the source of truth; the optional index speeds up listing.
type Store struct {
	dir    string
	index  repository.RecordRepository
	labels repository.LabelRepository
	logger *logger.Logger
	now    func() time.Time
}

// NewStore creates a Store rooted at dir. index may be nil.
func NewStore(dir string, index repository.RecordRepository, log *logger.Logger) *Store {
	return &Store{
		dir:    dir,
		index:  index,
		logger: log,
		now:    time.Now,
	}
}

// WithLabels attaches the label index used by Labels.
func (s *Store) WithLabels(labels repository.LabelRepository) *Store {
	s.labels = labels
	return s
}

// Directory returns the root directory of the store.
func (s *Store) Directory() string {
	return s.dir
}

// Save writes the image and, when given, its detections as a new record.
// Each call produces a distinct record even for identical input.
func (s *Store) Save(ctx context.Context, image []byte, detections []model.Detection, source model.Source) (*model.FeedbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, apperr.InvalidImage("empty image payload", nil)
	}
	if source == "" {
		source = model.SourceUser
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Storage("cannot generate record id", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, apperr.Storage("cannot create feedback directory", err)
	}

	finalDir := filepath.Join(s.dir, id.String())
	tmpDir := filepath.Join(s.dir, tempPrefix+id.String())
	if err := os.Mkdir(tmpDir, 0755); err != nil {
		return nil, apperr.Storage("cannot create record directory", err)
	}

	imageName := imageBaseName + imageExtension(image)
	rec := &model.FeedbackRecord{
		ID:         id.String(),
		Source:     source,
		ImagePath:  filepath.Join(finalDir, imageName),
		ImageSize:  int64(len(image)),
		Detections: detections,
		CreatedAt:  s.now().UTC(),
	}
	if len(detections) > 0 {
		rec.LabelsPath = filepath.Join(finalDir, LabelsFileName)
	}

	if err := writeRecordFiles(tmpDir, imageName, image, rec); err != nil {
		os.RemoveAll(tmpDir)
		return nil, apperr.Storage("cannot write record files", err)
	}

	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, apperr.Storage("cannot move record into place", err)
	}

	if s.index != nil {
		if err := s.index.Insert(rec); err != nil {
			s.logger.Error("Error indexing feedback record %s: %v", rec.ID, err)
		}
	}

	s.logger.Info("Saved feedback record %s (%s, %d labels, %d bytes)", rec.ID, rec.Source, len(detections), rec.ImageSize)
	return rec, nil
}

func writeRecordFiles(dir, imageName string, image []byte, rec *model.FeedbackRecord) error {
	if err := os.WriteFile(filepath.Join(dir, imageName), image, 0644); err != nil {
		return err
	}

	if len(rec.Detections) > 0 {
		f, err := os.Create(filepath.Join(dir, LabelsFileName))
		if err != nil {
			return err
		}
		if err := WriteLabels(f, rec.Detections); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, RecordFileName), data, 0644)
}

// imageExtension picks a file extension from the sniffed content type.
func imageExtension(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "image/webp":
		return ".webp"
	}
	return ".bin"
}

// WriteLabels writes detections as "label x_min y_min x_max y_max confidence"
// lines. Whitespace inside labels becomes an underscore.
func WriteLabels(w io.Writer, detections []model.Detection) error {
	bw := bufio.NewWriter(w)
	for _, d := range detections {
		label := strings.Join(strings.Fields(d.Label), "_")
		if label == "" {
			label = fmt.Sprintf("class%d", d.ClassID)
		}
		_, err := fmt.Fprintf(bw, "%s %s %s %s %s %s\n", label,
			formatFloat(d.Box.XMin), formatFloat(d.Box.YMin),
			formatFloat(d.Box.XMax), formatFloat(d.Box.YMax),
			formatFloat(d.Confidence))
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', -1, 32)
}

// ParseLabels reads lines written by WriteLabels. Blank lines are skipped.
// Class ids are not part of the file and come back as -1.
func ParseLabels(r io.Reader) ([]model.Detection, error) {
	var dets []model.Detection
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("line %d: expected 6 fields, got %d", line, len(fields))
		}

		var vals [5]float32
		for i := range vals {
			v, err := strconv.ParseFloat(fields[i+1], 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			vals[i] = float32(v)
		}

		dets = append(dets, model.Detection{
			Label:      fields[0],
			ClassID:    -1,
			Box:        model.Box{XMin: vals[0], YMin: vals[1], XMax: vals[2], YMax: vals[3]},
			Confidence: vals[4],
		})
	}
	return dets, scanner.Err()
}

// ReadRecord loads the record stored in dir. Folders written without a
// record.json are reconstructed from the image and labels files.
func ReadRecord(dir string) (*model.FeedbackRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFileName))
	if err == nil {
		var rec model.FeedbackRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", RecordFileName, err)
		}
		// Paths follow the folder, which may have been moved.
		rec.ImagePath = filepath.Join(dir, filepath.Base(rec.ImagePath))
		if rec.LabelsPath != "" {
			rec.LabelsPath = filepath.Join(dir, LabelsFileName)
		}
		return &rec, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, imageBaseName+".*"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no image in %s", dir)
	}
	info, err := os.Stat(matches[0])
	if err != nil {
		return nil, err
	}

	rec := &model.FeedbackRecord{
		ID:        filepath.Base(dir),
		Source:    model.SourceUser,
		ImagePath: matches[0],
		ImageSize: info.Size(),
		CreatedAt: info.ModTime().UTC(),
	}
	if id, err := uuid.Parse(rec.ID); err == nil && id.Version() == 7 {
		sec, nsec := id.Time().UnixTime()
		rec.CreatedAt = time.Unix(sec, nsec).UTC()
	}

	labelsPath := filepath.Join(dir, LabelsFileName)
	f, err := os.Open(labelsPath)
	if err == nil {
		defer f.Close()
		dets, err := ParseLabels(f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", labelsPath, err)
		}
		rec.Detections = dets
		rec.LabelsPath = labelsPath
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return rec, nil
}

// Walk calls fn for every record folder under the store, skipping temp folders.
func (s *Store) Walk(fn func(rec *model.FeedbackRecord) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		rec, err := ReadRecord(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warning("Skipping %s: %v", e.Name(), err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// List returns indexed records matching the filter, newest first.
func (s *Store) List(filter *model.FeedbackFilter) ([]model.FeedbackRecord, error) {
	if s.index == nil {
		return nil, apperr.Storage("feedback index is not available", nil)
	}
	records, err := s.index.GetAll(filter)
	if err != nil {
		return nil, apperr.Storage("cannot list feedback records", err)
	}
	return records, nil
}

// Count returns the number of indexed records matching the filter.
func (s *Store) Count(filter *model.FeedbackFilter) (int, error) {
	if s.index == nil {
		return 0, apperr.Storage("feedback index is not available", nil)
	}
	count, err := s.index.GetTotalCount(filter)
	if err != nil {
		return 0, apperr.Storage("cannot count feedback records", err)
	}
	return count, nil
}

// Get returns one record with its labels, or nil when it is not indexed.
func (s *Store) Get(id string) (*model.FeedbackRecord, error) {
	if s.index == nil {
		return nil, apperr.Storage("feedback index is not available", nil)
	}
	rec, err := s.index.GetByID(id)
	if err != nil {
		return nil, apperr.Storage("cannot read feedback record", err)
	}
	return rec, nil
}

// Stats summarizes the index.
func (s *Store) Stats() (*model.FeedbackStats, error) {
	if s.index == nil {
		return nil, apperr.Storage("feedback index is not available", nil)
	}
	stats, err := s.index.GetStats()
	if err != nil {
		return nil, apperr.Storage("cannot read feedback stats", err)
	}
	return stats, nil
}

// Labels returns every distinct label name in the index.
func (s *Store) Labels() ([]string, error) {
	if s.labels == nil {
		return nil, apperr.Storage("label index is not available", nil)
	}
	names, err := s.labels.GetAllLabelNames()
	if err != nil {
		return nil, apperr.Storage("cannot list labels", err)
	}
	return names, nil
}
