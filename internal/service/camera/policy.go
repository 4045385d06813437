package camera

import (
	"time"

	"detectserver/internal/model"
)

// CapturePolicy decides which frames are kept as low-confidence feedback.
// It is used from the capture loop only and is not safe for concurrent use.
type CapturePolicy struct {
	Enabled  bool
	Min      float32
	Max      float32
	Cooldown time.Duration

	last time.Time
}

// ShouldCapture reports whether a frame with these detections is kept. A
// frame qualifies when its least confident detection lies strictly between
// Min and Max and the cooldown since the last capture has passed.
func (p *CapturePolicy) ShouldCapture(dets []model.Detection, now time.Time) bool {
	if !p.Enabled || len(dets) == 0 {
		return false
	}

	lowest := MinConfidence(dets)
	if lowest <= p.Min || lowest >= p.Max {
		return false
	}

	if !p.last.IsZero() && now.Sub(p.last) < p.Cooldown {
		return false
	}

	p.last = now
	return true
}

// MinConfidence returns the lowest confidence, or 0 for no detections.
func MinConfidence(dets []model.Detection) float32 {
	if len(dets) == 0 {
		return 0
	}
	lowest := dets[0].Confidence
	for _, d := range dets[1:] {
		lowest = min(lowest, d.Confidence)
	}
	return lowest
}

// Sampler picks every Nth frame for inference.
type Sampler struct {
	every int
	count int
}

// NewSampler returns a sampler for every n frames; n < 1 means every frame.
func NewSampler(n int) *Sampler {
	if n < 1 {
		n = 1
	}
	return &Sampler{every: n}
}

// Next counts a frame and reports whether it should be processed.
func (s *Sampler) Next() bool {
	s.count++
	if s.count < s.every {
		return false
	}
	s.count = 0
	return true
}
