package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"detectserver/internal/logger"
	"detectserver/internal/model"
)

// blockingSaver holds every Save until release is closed.
type blockingSaver struct {
	release chan struct{}
	mu      sync.Mutex
	sources []model.Source
	err     error
}

func (b *blockingSaver) Save(ctx context.Context, image []byte, detections []model.Detection, source model.Source) (*model.FeedbackRecord, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.sources = append(b.sources, source)
	return &model.FeedbackRecord{ID: "rec", Source: source}, nil
}

func TestCaptureQueue_SavesQueuedFrames(t *testing.T) {
	saver := &blockingSaver{release: make(chan struct{})}
	close(saver.release)
	q := NewCaptureQueue(saver, 4, logger.NewDiscard())

	for i := 0; i < 3; i++ {
		if !q.Enqueue([]byte("frame"), nil, model.SourceLowConfidence) {
			t.Fatalf("Enqueue %d should succeed", i)
		}
	}
	q.Close()

	if q.Saved() != 3 {
		t.Errorf("Expected 3 saved frames, got %d", q.Saved())
	}
	for _, s := range saver.sources {
		if s != model.SourceLowConfidence {
			t.Errorf("Expected low_confidence source, got %s", s)
		}
	}
}

func TestCaptureQueue_DropsWhenFull(t *testing.T) {
	saver := &blockingSaver{release: make(chan struct{})}
	q := NewCaptureQueue(saver, 1, logger.NewDiscard())

	// The worker takes at most one frame and blocks on it, and the buffer
	// holds one more, so out of five at least three are dropped.
	accepted := 0
	for i := 0; i < 5; i++ {
		if q.Enqueue([]byte("frame"), nil, model.SourceLowConfidence) {
			accepted++
		}
	}

	if accepted > 2 {
		t.Errorf("Expected at most 2 accepted frames, got %d", accepted)
	}
	if q.Dropped() != int64(5-accepted) {
		t.Errorf("Expected %d dropped frames, got %d", 5-accepted, q.Dropped())
	}

	close(saver.release)
	q.Close()

	if q.Saved() != int64(accepted) {
		t.Errorf("Expected %d saved frames, got %d", accepted, q.Saved())
	}
}

func TestCaptureQueue_EnqueueAfterClose(t *testing.T) {
	saver := &blockingSaver{release: make(chan struct{})}
	close(saver.release)
	q := NewCaptureQueue(saver, 2, logger.NewDiscard())
	q.Close()
	q.Close()

	if q.Enqueue([]byte("frame"), nil, model.SourceUser) {
		t.Error("Enqueue after Close should fail")
	}
	if q.Dropped() != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", q.Dropped())
	}
}

func TestCaptureQueue_SaveErrorsAreNotCounted(t *testing.T) {
	saver := &blockingSaver{release: make(chan struct{}), err: errors.New("disk full")}
	close(saver.release)
	q := NewCaptureQueue(saver, 2, logger.NewDiscard())

	q.Enqueue([]byte("frame"), nil, model.SourceUser)
	q.Close()

	if q.Saved() != 0 {
		t.Errorf("Expected 0 saved frames, got %d", q.Saved())
	}
}

func TestCaptureQueue_WithStore(t *testing.T) {
	store, index, _ := setupTestStore(t)
	q := NewCaptureQueue(store, 2, logger.NewDiscard())

	q.Enqueue(pngBytes(t), catDetections, model.SourceLowConfidence)
	q.Close()

	if len(index.records) != 1 || index.records[0].Source != model.SourceLowConfidence {
		t.Errorf("Expected one low_confidence record, got %+v", index.records)
	}
}
