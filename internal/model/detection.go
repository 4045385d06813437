package model

import "time"

// Box is an axis-aligned rectangle in original-image pixel coordinates.
type Box struct {
	XMin float32 `json:"x_min"`
	YMin float32 `json:"y_min"`
	XMax float32 `json:"x_max"`
	YMax float32 `json:"y_max"`
}

// Width returns the horizontal extent, never negative.
func (b Box) Width() float32 { return max(0, b.XMax-b.XMin) }

// Height returns the vertical extent, never negative.
func (b Box) Height() float32 { return max(0, b.YMax-b.YMin) }

// Area returns Width*Height.
func (b Box) Area() float32 { return b.Width() * b.Height() }

// Detection is a labeled box returned by the detector.
type Detection struct {
	Label      string  `json:"label"`
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Timings records how long each pipeline stage took for one request.
type Timings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
