package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"detectserver/internal/apperr"
	"detectserver/internal/dto"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/service/vision"
)

// Detector is the part of the inference pipeline the handlers use.
type Detector interface {
	Detect(ctx context.Context, image []byte, opts vision.Options) (*vision.Result, error)
	Defaults() vision.Options
	Health() vision.HealthStatus
}

// FeedbackStore persists and lists feedback records.
type FeedbackStore interface {
	Save(ctx context.Context, image []byte, detections []model.Detection, source model.Source) (*model.FeedbackRecord, error)
	List(filter *model.FeedbackFilter) ([]model.FeedbackRecord, error)
	Count(filter *model.FeedbackFilter) (int, error)
	Get(id string) (*model.FeedbackRecord, error)
	Stats() (*model.FeedbackStats, error)
	Labels() ([]string, error)
	Directory() string
}

// requestError is a client mistake that is not about the image itself.
type requestError struct {
	status int
	code   string
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, v ...interface{}) error {
	return &requestError{status: http.StatusBadRequest, code: "invalid_request", msg: fmt.Sprintf(format, v...)}
}

// writeJSON encodes data with the given status.
func writeJSON(w http.ResponseWriter, status int, data interface{}, logger *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

// writeError maps err onto a status code and writes it as JSON. Server-side
// failures are logged.
func writeError(w http.ResponseWriter, err error, logger *logger.Logger) {
	status, code := apperr.HTTPStatus(err)

	var reqErr *requestError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &reqErr):
		status, code = reqErr.status, reqErr.code
	case errors.As(err, &tooLarge):
		status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed (%s): %v", code, err)
	} else {
		logger.Warning("Request rejected (%s): %v", code, err)
	}

	writeJSON(w, status, dto.ErrorResponse{Error: err.Error(), Code: code}, logger)
}

// readImage returns the uploaded image: the "image" field of a multipart
// form, or the raw request body otherwise.
func readImage(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, badRequest("invalid multipart form: %v", err)
		}

		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, apperr.InvalidImage("missing \"image\" form field", err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, badRequest("cannot read image field: %v", err)
		}
		if len(data) == 0 {
			return nil, apperr.InvalidImage("empty image payload", nil)
		}
		return data, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, badRequest("cannot read request body: %v", err)
	}
	if len(data) == 0 {
		return nil, apperr.InvalidImage("empty image payload", nil)
	}
	return data, nil
}

// parseOptions overrides the defaults with the conf, iou, rank and max
// query parameters.
func parseOptions(r *http.Request, defaults vision.Options) (vision.Options, error) {
	opts := defaults
	q := r.URL.Query()

	if v := q.Get("conf"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return opts, badRequest("invalid conf %q", v)
		}
		opts.ConfThreshold = float32(f)
	}

	if v := q.Get("iou"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return opts, badRequest("invalid iou %q", v)
		}
		opts.IoUThreshold = float32(f)
	}

	switch q.Get("rank") {
	case "":
	case "global":
		opts.GlobalRank = true
	case "class":
		opts.GlobalRank = false
	default:
		return opts, badRequest("invalid rank %q (want global or class)", q.Get("rank"))
	}

	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, badRequest("invalid max %q", v)
		}
		opts.MaxDetections = n
	}

	if err := opts.Validate(); err != nil {
		return opts, badRequest("%v", err)
	}
	return opts, nil
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// parseDate parses a date string in the format "2006-01-02" from the request (HTML input format).
func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}
	}
	return t
}
