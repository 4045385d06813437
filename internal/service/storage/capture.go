package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"detectserver/internal/logger"
	"detectserver/internal/model"
)

// Saver persists one feedback record.
type Saver interface {
	Save(ctx context.Context, image []byte, detections []model.Detection, source model.Source) (*model.FeedbackRecord, error)
}

type captureJob struct {
	image      []byte
	detections []model.Detection
	source     model.Source
}

// CaptureQueue saves frames in the background so the camera loop never
// waits on disk. When the queue is full new frames are dropped.
type CaptureQueue struct {
	saver   Saver
	jobs    chan captureJob
	logger  *logger.Logger
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
	saved   atomic.Int64
	done    chan struct{}
}

// NewCaptureQueue starts a worker that drains up to size pending frames.
func NewCaptureQueue(saver Saver, size int, log *logger.Logger) *CaptureQueue {
	if size < 1 {
		size = 1
	}
	q := &CaptureQueue{
		saver:  saver,
		jobs:   make(chan captureJob, size),
		logger: log,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *CaptureQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		rec, err := q.saver.Save(context.Background(), job.image, job.detections, job.source)
		if err != nil {
			q.logger.Error("Error saving captured frame: %v", err)
			continue
		}
		q.saved.Add(1)
		q.logger.Debug("Captured frame stored as %s", rec.ID)
	}
}

// Enqueue schedules a frame for saving. It reports false when the frame was
// dropped because the queue is full or closed.
func (q *CaptureQueue) Enqueue(image []byte, detections []model.Detection, source model.Source) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.dropped.Add(1)
		return false
	}

	select {
	case q.jobs <- captureJob{image: image, detections: detections, source: source}:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warning("Capture queue full (%d pending), dropping frame", cap(q.jobs))
		return false
	}
}

// Dropped returns how many frames were discarded.
func (q *CaptureQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Saved returns how many frames were stored.
func (q *CaptureQueue) Saved() int64 {
	return q.saved.Load()
}

// Close stops accepting frames and waits until pending ones are saved.
func (q *CaptureQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}
