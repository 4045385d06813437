package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"detectserver/internal/config"
	"detectserver/internal/dto"
	"detectserver/internal/model"
	"detectserver/internal/service/vision"
)

// ========================================
// Fakes
// ========================================

type fakeDetector struct {
	mu       sync.Mutex
	result   *vision.Result
	err      error
	lastOpts vision.Options
	lastData []byte
	ready    bool
	deadline bool
}

func (d *fakeDetector) Detect(ctx context.Context, data []byte, opts vision.Options) (*vision.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOpts = opts
	d.lastData = data
	_, d.deadline = ctx.Deadline()
	if d.err != nil {
		return nil, d.err
	}
	if d.result != nil {
		return d.result, nil
	}
	return &vision.Result{Detections: []model.Detection{}}, nil
}

func (d *fakeDetector) Defaults() vision.Options {
	return vision.Options{ConfThreshold: 0.25, IoUThreshold: 0.45, MaxDetections: 300}
}

func (d *fakeDetector) Health() vision.HealthStatus {
	return vision.HealthStatus{Ready: d.ready, ModelPath: "best.onnx", Format: vision.FormatYOLOv8}
}

type fakeStore struct {
	mu         sync.Mutex
	saved      []model.FeedbackRecord
	records    []model.FeedbackRecord
	saveErr    error
	listErr    error
	lastFilter *model.FeedbackFilter
}

func (s *fakeStore) Save(ctx context.Context, image []byte, detections []model.Detection, source model.Source) (*model.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	rec := model.FeedbackRecord{
		ID:         "0190a5f2-7c3e-7b1a-9f00-00000000000" + string(rune('0'+len(s.saved))),
		Source:     source,
		ImageSize:  int64(len(image)),
		Detections: detections,
		CreatedAt:  time.Now(),
	}
	s.saved = append(s.saved, rec)
	return &rec, nil
}

func (s *fakeStore) List(filter *model.FeedbackFilter) ([]model.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	if s.listErr != nil {
		return nil, s.listErr
	}
	end := min(filter.Offset+filter.Limit, len(s.records))
	if filter.Offset >= end {
		return []model.FeedbackRecord{}, nil
	}
	return s.records[filter.Offset:end], nil
}

func (s *fakeStore) Count(filter *model.FeedbackFilter) (int, error) {
	if s.listErr != nil {
		return 0, s.listErr
	}
	return len(s.records), nil
}

func (s *fakeStore) Get(id string) (*model.FeedbackRecord, error) {
	for i := range s.records {
		if s.records[i].ID == id {
			rec := s.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Stats() (*model.FeedbackStats, error) {
	return &model.FeedbackStats{TotalRecords: len(s.records)}, nil
}

func (s *fakeStore) Labels() ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	seen := map[string]bool{}
	names := []string{}
	for _, rec := range s.records {
		for _, d := range rec.Detections {
			if !seen[d.Label] {
				seen[d.Label] = true
				names = append(names, d.Label)
			}
		}
	}
	return names, nil
}

func (s *fakeStore) Directory() string { return "/data/feedback" }

// ========================================
// Helpers
// ========================================

func testConfig() *config.Config {
	return &config.Config{
		InferTimeout:      5 * time.Second,
		MaxUploadBytes:    1 << 20,
		FeedbackDirectory: "/data/feedback",
		CameraDevice:      -1,
		AllowedOrigins:    []string{"*"},
	}
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 80, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// multipartRequest builds a POST with an "image" file field and extra form fields.
func multipartRequest(t *testing.T, target string, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if image != nil {
		part, err := mw.CreateFormFile("image", "frame.png")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(image)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v (body %q)", err, rec.Body.String())
	}
	return resp
}
