// Package runtime defines the model runtime adapter contract. Concrete
// backends live in the sub-packages and are opened through backends.Open.
package runtime

import (
	"context"
	"fmt"
	"strings"

	"detectserver/internal/tensor"
)

// Backend names a runtime implementation.
type Backend string

const (
	BackendONNX   Backend = "onnx"
	BackendOpenCV Backend = "opencv"
	BackendTFLite Backend = "tflite"
)

// ParseBackend resolves a configured backend name. An empty name picks the
// backend from the model file extension.
func ParseBackend(name, modelPath string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "onnx", "onnxruntime", "ort":
		return BackendONNX, nil
	case "opencv", "gocv", "dnn":
		return BackendOpenCV, nil
	case "tflite", "tensorflowlite":
		return BackendTFLite, nil
	case "", "auto":
		if strings.HasSuffix(strings.ToLower(modelPath), ".tflite") {
			return BackendTFLite, nil
		}
		return BackendONNX, nil
	}
	return "", fmt.Errorf("unknown runtime backend %q", name)
}

// ModelInfo describes a loaded model. It is fixed at load time.
type ModelInfo struct {
	Path        string
	Backend     Backend
	InputName   string
	InputShape  []int64
	InputLayout tensor.Layout
	OutputName  string
	OutputShape []int64
	// Metadata carries custom key/value pairs embedded in the model file,
	// for example the ultralytics "names" and "imgsz" entries.
	Metadata map[string]string
	// NormalizedBoxes is set when the model emits box coordinates in [0,1]
	// relative to the input size instead of input pixels.
	NormalizedBoxes bool
}

// InputSize returns the square spatial input size, or 0 when the model input
// is dynamic.
func (m ModelInfo) InputSize() int {
	if len(m.InputShape) != 4 {
		return 0
	}
	h, w := m.InputShape[2], m.InputShape[3]
	if m.InputLayout == tensor.NHWC {
		h, w = m.InputShape[1], m.InputShape[2]
	}
	if h <= 0 || w <= 0 || h != w {
		return 0
	}
	return int(h)
}

// Runtime executes forward passes on a loaded model. Implementations must be
// safe for concurrent use; backends that are not wrap themselves in a Pool.
type Runtime interface {
	Info() ModelInfo
	// Run executes a single forward pass and returns the first output.
	Run(ctx context.Context, input *tensor.Tensor) (*tensor.RawOutput, error)
	Close() error
}
