package route

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"detectserver/internal/config"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/runtime"
	"detectserver/internal/service/hub"
	"detectserver/internal/service/vision"
)

type stubDetector struct{}

func (stubDetector) Detect(ctx context.Context, image []byte, opts vision.Options) (*vision.Result, error) {
	return &vision.Result{Detections: []model.Detection{}}, nil
}
func (stubDetector) Defaults() vision.Options {
	return vision.Options{ConfThreshold: 0.25, IoUThreshold: 0.45}
}
func (stubDetector) Health() vision.HealthStatus {
	return vision.HealthStatus{Ready: true, Pool: &runtime.PoolStats{Size: 1}}
}

type stubStore struct{}

func (stubStore) Save(ctx context.Context, image []byte, detections []model.Detection, source model.Source) (*model.FeedbackRecord, error) {
	return &model.FeedbackRecord{ID: "new", Source: source}, nil
}
func (stubStore) List(*model.FeedbackFilter) ([]model.FeedbackRecord, error) { return nil, nil }
func (stubStore) Count(*model.FeedbackFilter) (int, error)                   { return 0, nil }
func (stubStore) Get(id string) (*model.FeedbackRecord, error) {
	if id == "known" {
		return &model.FeedbackRecord{ID: id}, nil
	}
	return nil, nil
}
func (stubStore) Stats() (*model.FeedbackStats, error) { return &model.FeedbackStats{}, nil }
func (stubStore) Labels() ([]string, error)            { return []string{"cat"}, nil }
func (stubStore) Directory() string                    { return "feedback_data" }

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	log := logger.NewDiscard()
	h := hub.NewHubService(log)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	cfg := &config.Config{
		MaxUploadBytes: 1 << 20,
		CameraDevice:   -1,
		AllowedOrigins: []string{"http://app.test"},
	}
	return SetupRoutes(Services{Detector: stubDetector{}, Feedback: stubStore{}, Streams: h}, cfg, log)
}

func TestSetupRoutes(t *testing.T) {
	router := setupRouter(t)

	var img bytes.Buffer
	if err := png.Encode(&img, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		method   string
		target   string
		status   int
		contains string
	}{
		{http.MethodGet, "/health", http.StatusOK, `"model_loaded":true`},
		{http.MethodGet, "/health", http.StatusOK, `"pool":{"size":1,`},
		{http.MethodPost, "/api/detect", http.StatusOK, `"detections":[]`},
		{http.MethodGet, "/api/detect", http.StatusMethodNotAllowed, ""},
		{http.MethodPost, "/api/feedback", http.StatusCreated, `"id":"new"`},
		{http.MethodGet, "/api/feedback", http.StatusOK, `"feedbackDir":"feedback_data"`},
		{http.MethodGet, "/api/feedback/labels", http.StatusOK, `"cat"`},
		{http.MethodGet, "/api/feedback/stats", http.StatusOK, "total_records"},
		{http.MethodGet, "/api/feedback/known", http.StatusOK, `"id":"known"`},
		{http.MethodGet, "/api/feedback/unknown", http.StatusNotFound, "not_found"},
		{http.MethodGet, "/video", http.StatusServiceUnavailable, "camera_disabled"},
		{http.MethodGet, "/nowhere", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			var body []byte
			if tt.method == http.MethodPost {
				body = img.Bytes()
			}
			req := httptest.NewRequest(tt.method, tt.target, bytes.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Expected body to contain %q, got %s", tt.contains, rec.Body.String())
			}
		})
	}
}

func TestSetupRoutes_CORS(t *testing.T) {
	router := setupRouter(t)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://app.test", true},
		{"http://evil.test", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		got := rec.Header().Get("Access-Control-Allow-Origin") == tt.origin
		if got != tt.allowed {
			t.Errorf("Origin %s: expected allowed=%v, headers %v", tt.origin, tt.allowed, rec.Header())
		}
	}
}
