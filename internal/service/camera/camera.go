package camera

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"time"

	"detectserver/internal/config"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/service/hub"
	"detectserver/internal/service/vision"
)

// ErrEndOfStream is returned by Device.Read when no more frames will come.
var ErrEndOfStream = errors.New("end of stream")

// Frame is one captured image. It must be closed after use.
type Frame interface {
	Image() (image.Image, error)
	// JPEG encodes the frame as captured.
	JPEG() ([]byte, error)
	// AnnotatedJPEG encodes the frame with boxes and labels drawn on it.
	AnnotatedJPEG(dets []model.Detection) ([]byte, error)
	Close() error
}

// Device yields frames from a camera.
type Device interface {
	Read() (Frame, error)
	Close() error
}

// Detector runs inference on decoded frames.
type Detector interface {
	InferImage(ctx context.Context, img image.Image, opts vision.Options) (*vision.Result, error)
	Defaults() vision.Options
}

// Broadcaster fans out frames and events.
type Broadcaster interface {
	Broadcast(topic hub.Topic, data []byte)
	GetClientCount(topic hub.Topic) int
}

// Enqueuer accepts frames for background saving.
type Enqueuer interface {
	Enqueue(image []byte, detections []model.Detection, source model.Source) bool
}

// Event is published for every frame that went through the detector.
type Event struct {
	Frame      int64             `json:"frame"`
	Timestamp  time.Time         `json:"timestamp"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Detections []model.Detection `json:"detections"`
	Captured   bool              `json:"captured"`
}

// maxReadFailures consecutive read errors stop the loop.
const maxReadFailures = 50

// Manager reads frames from a device, runs the detector on every Nth frame
// and publishes annotated frames and detection events.
type Manager struct {
	device   Device
	detector Detector
	hub      Broadcaster
	capture  Enqueuer
	logger   *logger.Logger

	sampler *Sampler
	policy  *CapturePolicy
	now     func() time.Time

	frames int64
	last   []model.Detection

	mu      sync.RWMutex
	running bool
}

// NewManager wires a capture loop. capture may be nil to disable automatic
// feedback.
func NewManager(device Device, detector Detector, broadcaster Broadcaster, capture Enqueuer, cfg *config.Config, logger *logger.Logger) *Manager {
	return &Manager{
		device:   device,
		detector: detector,
		hub:      broadcaster,
		capture:  capture,
		logger:   logger,
		sampler:  NewSampler(cfg.ProcessingInterval),
		policy: &CapturePolicy{
			Enabled:  cfg.AutoFeedback && capture != nil,
			Min:      cfg.AutoFeedbackMin,
			Max:      cfg.AutoFeedbackMax,
			Cooldown: cfg.AutoFeedbackCooldown,
		},
		now: time.Now,
	}
}

// Running reports whether the capture loop is active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) setRunning(v bool) {
	m.mu.Lock()
	m.running = v
	m.mu.Unlock()
}

// Run reads frames until ctx is canceled or the device fails for good. The
// device is closed on return.
func (m *Manager) Run(ctx context.Context) error {
	m.setRunning(true)
	defer m.setRunning(false)
	defer m.device.Close()

	m.logger.Info("Camera loop started - processing every %d frame(s)", m.sampler.every)

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Camera loop stopped")
			return nil
		}

		frame, err := m.device.Read()
		if errors.Is(err, ErrEndOfStream) {
			m.logger.Info("Camera stream ended after %d frames", m.frames)
			return nil
		}
		if err != nil {
			failures++
			if failures >= maxReadFailures {
				return err
			}
			m.logger.Warning("Error reading frame: %v", err)
			continue
		}
		failures = 0

		m.HandleFrame(ctx, frame)
		frame.Close()
	}
}

// HandleFrame processes one frame. The caller keeps ownership of frame.
func (m *Manager) HandleFrame(ctx context.Context, frame Frame) {
	m.frames++

	if m.sampler.Next() {
		m.detect(ctx, frame)
	}

	if m.hub.GetClientCount(hub.TopicFrames) == 0 {
		return
	}

	annotated, err := frame.AnnotatedJPEG(m.last)
	if err != nil {
		m.logger.Error("Failed to annotate frame: %v", err)
		return
	}
	m.hub.Broadcast(hub.TopicFrames, annotated)
}

func (m *Manager) detect(ctx context.Context, frame Frame) {
	img, err := frame.Image()
	if err != nil {
		m.logger.Error("Error converting frame: %v", err)
		return
	}

	res, err := m.detector.InferImage(ctx, img, m.detector.Defaults())
	if err != nil {
		m.logger.Error("Error detecting objects: %v", err)
		return
	}
	m.last = res.Detections

	event := Event{
		Frame:      m.frames,
		Timestamp:  m.now().UTC(),
		Width:      res.ImageWidth,
		Height:     res.ImageHeight,
		Detections: res.Detections,
	}

	if m.policy.ShouldCapture(res.Detections, m.now()) {
		raw, err := frame.JPEG()
		if err != nil {
			m.logger.Error("Failed to encode frame for feedback: %v", err)
		} else {
			event.Captured = m.capture.Enqueue(raw, res.Detections, model.SourceLowConfidence)
			if event.Captured {
				m.logger.Info("Low-confidence frame queued (min confidence %.2f)", MinConfidence(res.Detections))
			}
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("Failed to marshal detection event: %v", err)
		return
	}
	m.hub.Broadcast(hub.TopicEvents, data)
}
