// Package tensor holds the numeric contracts exchanged between the
// preprocessor, the model runtime and the decoder.
package tensor

import (
	"fmt"
	"strings"
)

// Layout is the memory order of an image tensor.
type Layout int

const (
	// NCHW stores one full plane per channel: [1, 3, H, W].
	NCHW Layout = iota
	// NHWC interleaves channels per pixel: [1, H, W, 3].
	NHWC
)

func (l Layout) String() string {
	switch l {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout accepts "nchw" or "nhwc" in any case.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NCHW":
		return NCHW, nil
	case "NHWC":
		return NHWC, nil
	}
	return NCHW, fmt.Errorf("unknown tensor layout %q", s)
}

// Tensor is a float32 image tensor with a single batch entry.
type Tensor struct {
	Shape  []int64
	Layout Layout
	Data   []float32
}

// New allocates a zeroed square image tensor for the given layout.
func New(layout Layout, channels, height, width int) *Tensor {
	shape := []int64{1, int64(channels), int64(height), int64(width)}
	if layout == NHWC {
		shape = []int64{1, int64(height), int64(width), int64(channels)}
	}
	return &Tensor{
		Shape:  shape,
		Layout: layout,
		Data:   make([]float32, channels*height*width),
	}
}

// Height returns the spatial height implied by the layout.
func (t *Tensor) Height() int {
	if len(t.Shape) != 4 {
		return 0
	}
	if t.Layout == NHWC {
		return int(t.Shape[1])
	}
	return int(t.Shape[2])
}

// Width returns the spatial width implied by the layout.
func (t *Tensor) Width() int {
	if len(t.Shape) != 4 {
		return 0
	}
	if t.Layout == NHWC {
		return int(t.Shape[2])
	}
	return int(t.Shape[3])
}

// Channels returns the channel count implied by the layout.
func (t *Tensor) Channels() int {
	if len(t.Shape) != 4 {
		return 0
	}
	if t.Layout == NHWC {
		return int(t.Shape[3])
	}
	return int(t.Shape[1])
}

// Validate checks that the tensor is a rank-4 single-batch image tensor whose
// data length matches its shape.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("nil tensor")
	}
	if len(t.Shape) != 4 {
		return fmt.Errorf("expected rank-4 tensor, got shape %v", t.Shape)
	}
	if t.Shape[0] != 1 {
		return fmt.Errorf("expected batch size 1, got %d", t.Shape[0])
	}
	n, err := Elements(t.Shape)
	if err != nil {
		return err
	}
	if n != len(t.Data) {
		return fmt.Errorf("shape %v needs %d values, have %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// Matches reports whether the tensor fits an expected model input shape.
// Non-positive dimensions in want are treated as dynamic.
func (t *Tensor) Matches(want []int64) bool {
	if len(want) != len(t.Shape) {
		return false
	}
	for i, d := range want {
		if d > 0 && d != t.Shape[i] {
			return false
		}
	}
	return true
}

// RawOutput is the untouched first output of a forward pass.
type RawOutput struct {
	Shape []int64
	Data  []float32
}

// Validate checks that the data length matches the shape. Zero dimensions are
// allowed: a model with nothing to report may emit an empty output.
func (o *RawOutput) Validate() error {
	if o == nil {
		return fmt.Errorf("nil output")
	}
	if len(o.Shape) == 0 {
		return fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range o.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in output shape %v", o.Shape)
		}
		n *= int(d)
	}
	if n != len(o.Data) {
		return fmt.Errorf("output shape %v needs %d values, have %d", o.Shape, n, len(o.Data))
	}
	return nil
}

// Elements returns the product of a fully static shape.
func Elements(shape []int64) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("non-static dimension in shape %v", shape)
		}
		n *= int(d)
	}
	return n, nil
}
