package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"detectserver/internal/config"
	"detectserver/internal/dto"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/service/vision"

	"github.com/gorilla/mux"
)

const (
	defaultPageSize = 24
	maxPageSize     = 200
)

// SubmitFeedbackHandler handles POST /api/feedback. The image comes as the
// "image" multipart field (or raw body); an optional "detections" field holds
// the corrected labels as a JSON array.
func SubmitFeedbackHandler(store FeedbackStore, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readImage(w, r, cfg.MaxUploadBytes)
		if err != nil {
			writeError(w, err, logger)
			return
		}

		// Only decodable images are worth keeping for retraining.
		if _, err := vision.DecodeImage(data); err != nil {
			writeError(w, err, logger)
			return
		}

		detections, err := parseDetections(r.FormValue("detections"))
		if err != nil {
			writeError(w, err, logger)
			return
		}

		rec, err := store.Save(r.Context(), data, detections, model.SourceUser)
		if err != nil {
			writeError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, dto.FeedbackResponse{
			ID:     rec.ID,
			Status: "saved",
			Labels: len(rec.Detections),
		}, logger)
	}
}

// parseDetections decodes and checks a JSON array of detections. An empty
// string means no labels were sent.
func parseDetections(raw string) ([]model.Detection, error) {
	if raw == "" {
		return nil, nil
	}

	var dets []model.Detection
	if err := json.Unmarshal([]byte(raw), &dets); err != nil {
		return nil, badRequest("invalid detections JSON: %v", err)
	}

	for i, d := range dets {
		if d.Label == "" {
			return nil, badRequest("detection %d: label is required", i)
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			return nil, badRequest("detection %d: confidence %v outside [0,1]", i, d.Confidence)
		}
		if d.Box.XMin > d.Box.XMax || d.Box.YMin > d.Box.YMax {
			return nil, badRequest("detection %d: box corners are out of order", i)
		}
	}
	return dets, nil
}

// ListFeedbackHandler returns a filtered, paginated list of feedback records
// from the index.
func ListFeedbackHandler(store FeedbackStore, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := min(atoiDefault(q.Get("limit"), defaultPageSize), maxPageSize)

		source := model.Source(q.Get("source"))
		if source != "" && source != model.SourceUser && source != model.SourceLowConfidence {
			writeError(w, badRequest("unknown source %q", source), logger)
			return
		}

		filter := &model.FeedbackFilter{
			Source: source,
			Label:  q.Get("label"),
			After:  parseDate(q.Get("dateAfter")),
			Before: parseDate(q.Get("dateBefore")),
		}
		// dateBefore is inclusive of the whole day.
		if !filter.Before.IsZero() {
			filter.Before = filter.Before.Add(24 * time.Hour)
		}

		totalCount, err := store.Count(filter)
		if err != nil {
			writeError(w, err, logger)
			return
		}

		pageFilter := *filter
		pageFilter.Limit = limit
		pageFilter.Offset = (page - 1) * limit

		records, err := store.List(&pageFilter)
		if err != nil {
			writeError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, dto.FeedbackPage{
			Records:     records,
			FeedbackDir: store.Directory(),
			Length:      totalCount,
			TotalPages:  (totalCount + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		}, logger)
	}
}

// GetFeedbackHandler returns one record with its labels.
func GetFeedbackHandler(store FeedbackStore, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookupRecord(w, r, store, logger)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, rec, logger)
	}
}

// ViewFeedbackImageHandler serves the stored image of one record.
func ViewFeedbackImageHandler(store FeedbackStore, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookupRecord(w, r, store, logger)
		if !ok {
			return
		}
		http.ServeFile(w, r, rec.ImagePath)
	}
}

// FeedbackStatsHandler summarizes the feedback index.
func FeedbackStatsHandler(store FeedbackStore, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats()
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, stats, logger)
	}
}

// FeedbackLabelsHandler lists the label names present in the index.
func FeedbackLabelsHandler(store FeedbackStore, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := store.Labels()
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"labels": names}, logger)
	}
}

func lookupRecord(w http.ResponseWriter, r *http.Request, store FeedbackStore, logger *logger.Logger) (*model.FeedbackRecord, bool) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, badRequest("record id is required"), logger)
		return nil, false
	}

	rec, err := store.Get(id)
	if err != nil {
		writeError(w, err, logger)
		return nil, false
	}
	if rec == nil {
		writeError(w, &requestError{
			status: http.StatusNotFound,
			code:   "not_found",
			msg:    fmt.Sprintf("feedback record %s not found", id),
		}, logger)
		return nil, false
	}
	return rec, true
}
