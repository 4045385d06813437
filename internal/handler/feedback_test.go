package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"detectserver/internal/apperr"
	"detectserver/internal/dto"
	"detectserver/internal/logger"
	"detectserver/internal/model"

	"github.com/gorilla/mux"
)

func TestSubmitFeedbackHandler_WithDetections(t *testing.T) {
	store := &fakeStore{}
	h := SubmitFeedbackHandler(store, testConfig(), logger.NewDiscard())

	dets := `[{"label":"cat","class_id":0,"confidence":0.9,"box":{"x_min":1,"y_min":2,"x_max":3,"y_max":4}}]`
	rec := httptest.NewRecorder()
	h(rec, multipartRequest(t, "/api/feedback", pngImage(t, 4, 4), map[string]string{"detections": dets}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dto.FeedbackResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Bad JSON: %v", err)
	}
	if resp.ID == "" || resp.Labels != 1 || resp.Status != "saved" {
		t.Errorf("Unexpected response %+v", resp)
	}

	if len(store.saved) != 1 {
		t.Fatalf("Expected 1 saved record, got %d", len(store.saved))
	}
	saved := store.saved[0]
	if saved.Source != model.SourceUser || saved.Detections[0].Box.YMax != 4 {
		t.Errorf("Unexpected saved record %+v", saved)
	}
}

func TestSubmitFeedbackHandler_IdenticalInputTwice(t *testing.T) {
	store := &fakeStore{}
	h := SubmitFeedbackHandler(store, testConfig(), logger.NewDiscard())
	img := pngImage(t, 4, 4)

	var ids []string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewReader(img)))
		if rec.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d", rec.Code)
		}
		var resp dto.FeedbackResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		ids = append(ids, resp.ID)
	}

	if ids[0] == ids[1] {
		t.Errorf("Expected distinct ids, got %v", ids)
	}
	if len(store.saved) != 2 {
		t.Errorf("Expected 2 records, got %d", len(store.saved))
	}
}

func TestSubmitFeedbackHandler_Errors(t *testing.T) {
	tests := []struct {
		name    string
		image   []byte
		fields  map[string]string
		saveErr error
		status  int
		code    string
	}{
		{"not an image", []byte("hello"), nil, nil, http.StatusBadRequest, "invalid_image"},
		{"bad detections json", nil, map[string]string{"detections": "{"}, nil, http.StatusBadRequest, "invalid_request"},
		{"missing label", nil, map[string]string{"detections": `[{"confidence":0.5}]`}, nil, http.StatusBadRequest, "invalid_request"},
		{"confidence out of range", nil, map[string]string{"detections": `[{"label":"cat","confidence":2}]`}, nil, http.StatusBadRequest, "invalid_request"},
		{"inverted box", nil, map[string]string{"detections": `[{"label":"cat","box":{"x_min":5,"x_max":1}}]`}, nil, http.StatusBadRequest, "invalid_request"},
		{"storage failure", nil, nil, apperr.Storage("disk full", nil), http.StatusServiceUnavailable, "storage_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{saveErr: tt.saveErr}
			h := SubmitFeedbackHandler(store, testConfig(), logger.NewDiscard())

			img := tt.image
			if img == nil {
				img = pngImage(t, 4, 4)
			}
			rec := httptest.NewRecorder()
			h(rec, multipartRequest(t, "/api/feedback", img, tt.fields))

			if rec.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, resp.Code)
			}
			if tt.saveErr == nil && len(store.saved) != 0 {
				t.Error("Nothing should be saved for a rejected request")
			}
		})
	}
}

func TestListFeedbackHandler_Pagination(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 5; i++ {
		store.records = append(store.records, model.FeedbackRecord{ID: fmt.Sprintf("r%d", i), Source: model.SourceUser})
	}
	h := ListFeedbackHandler(store, logger.NewDiscard())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/feedback?page=2&limit=2&source=user&label=cat&dateBefore=2025-01-31", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var page dto.FeedbackPage
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("Bad JSON: %v", err)
	}
	if page.Length != 5 || page.TotalPages != 3 || page.CurrentPage != 2 || page.Limit != 2 {
		t.Errorf("Unexpected page metadata %+v", page)
	}
	if len(page.Records) != 2 || page.Records[0].ID != "r2" {
		t.Errorf("Unexpected records %+v", page.Records)
	}

	f := store.lastFilter
	if f.Source != model.SourceUser || f.Label != "cat" || f.Offset != 2 || f.Limit != 2 {
		t.Errorf("Unexpected filter %+v", f)
	}
	if !f.Before.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected dateBefore to cover the whole day, got %v", f.Before)
	}
}

func TestListFeedbackHandler_Defaults(t *testing.T) {
	store := &fakeStore{}
	h := ListFeedbackHandler(store, logger.NewDiscard())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/feedback?limit=100000", nil))

	var page dto.FeedbackPage
	json.NewDecoder(rec.Body).Decode(&page)
	if page.Limit != maxPageSize || page.CurrentPage != 1 || page.TotalPages != 0 {
		t.Errorf("Unexpected page %+v", page)
	}
	if page.FeedbackDir != "/data/feedback" {
		t.Errorf("Unexpected directory %q", page.FeedbackDir)
	}
}

func TestListFeedbackHandler_Errors(t *testing.T) {
	t.Run("unknown source", func(t *testing.T) {
		h := ListFeedbackHandler(&fakeStore{}, logger.NewDiscard())
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/feedback?source=robot", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("index unavailable", func(t *testing.T) {
		store := &fakeStore{listErr: apperr.Storage("feedback index is not available", nil)}
		h := ListFeedbackHandler(store, logger.NewDiscard())
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/feedback", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503, got %d", rec.Code)
		}
	})
}

func TestGetFeedbackHandler(t *testing.T) {
	store := &fakeStore{records: []model.FeedbackRecord{{ID: "abc", Source: model.SourceLowConfidence}}}
	h := GetFeedbackHandler(store, logger.NewDiscard())

	tests := []struct {
		id     string
		status int
	}{
		{"abc", http.StatusOK},
		{"missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/feedback/"+tt.id, nil)
		req = mux.SetURLVars(req, map[string]string{"id": tt.id})
		rec := httptest.NewRecorder()
		h(rec, req)

		if rec.Code != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.id, tt.status, rec.Code)
		}
	}
}

func TestFeedbackStatsHandler(t *testing.T) {
	store := &fakeStore{records: make([]model.FeedbackRecord, 3)}
	h := FeedbackStatsHandler(store, logger.NewDiscard())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/feedback/stats", nil))

	var stats model.FeedbackStats
	json.NewDecoder(rec.Body).Decode(&stats)
	if rec.Code != http.StatusOK || stats.TotalRecords != 3 {
		t.Errorf("Unexpected response %d %+v", rec.Code, stats)
	}
}

func TestFeedbackLabelsHandler(t *testing.T) {
	store := &fakeStore{records: []model.FeedbackRecord{
		{ID: "a", Detections: []model.Detection{{Label: "cat"}, {Label: "dog"}}},
		{ID: "b", Detections: []model.Detection{{Label: "cat"}}},
	}}

	rec := httptest.NewRecorder()
	FeedbackLabelsHandler(store, logger.NewDiscard())(rec, httptest.NewRequest(http.MethodGet, "/api/feedback/labels", nil))

	var resp map[string][]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if rec.Code != http.StatusOK || len(resp["labels"]) != 2 {
		t.Errorf("Unexpected response %d %v", rec.Code, resp)
	}

	store.listErr = apperr.Storage("feedback index is not available", nil)
	rec = httptest.NewRecorder()
	FeedbackLabelsHandler(store, logger.NewDiscard())(rec, httptest.NewRequest(http.MethodGet, "/api/feedback/labels", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}
