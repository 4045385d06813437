// Package opencv runs ONNX models through the OpenCV DNN module.
package opencv

import (
	"context"
	"fmt"
	"os"

	"detectserver/internal/apperr"
	"detectserver/internal/runtime"
	"detectserver/internal/tensor"

	"gocv.io/x/gocv"
)

// Options configures the OpenCV backend.
type Options struct {
	ModelPath string
	// InputSize is the square input edge; OpenCV cannot report it before the
	// first forward pass.
	InputSize int
}

// Runtime wraps a gocv.Net. A Net keeps per-call state, so one Runtime must
// never run concurrently; backends.Open wraps it in a runtime.Pool.
type Runtime struct {
	net  gocv.Net
	info runtime.ModelInfo
}

// Open loads the network and runs one warm-up pass to learn the output shape.
func Open(opts Options) (*Runtime, error) {
	if _, err := os.Stat(opts.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", opts.ModelPath)
	}
	if opts.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", opts.InputSize)
	}

	net := gocv.ReadNetFromONNX(opts.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network")
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	size := int64(opts.InputSize)
	r := &Runtime{
		net: net,
		info: runtime.ModelInfo{
			Path:        opts.ModelPath,
			Backend:     runtime.BackendOpenCV,
			InputShape:  []int64{1, 3, size, size},
			InputLayout: tensor.NCHW,
			Metadata:    map[string]string{},
		},
	}

	warmup, err := r.Run(context.Background(), tensor.New(tensor.NCHW, 3, opts.InputSize, opts.InputSize))
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("warm-up pass failed: %w", err)
	}
	r.info.OutputShape = warmup.Shape

	return r, nil
}

// Info returns the model description.
func (r *Runtime) Info() runtime.ModelInfo {
	return r.info
}

// Run executes one forward pass. It is not safe for concurrent use.
func (r *Runtime) Run(ctx context.Context, input *tensor.Tensor) (*tensor.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, apperr.ModelExecution("invalid input tensor", err)
	}
	if input.Layout != tensor.NCHW || !input.Matches(r.info.InputShape) {
		return nil, apperr.ModelExecution(
			fmt.Sprintf("input %s %v does not match model input NCHW %v", input.Layout, input.Shape, r.info.InputShape), nil)
	}

	sizes := make([]int, len(input.Shape))
	for i, d := range input.Shape {
		sizes[i] = int(d)
	}
	blob := gocv.NewMatWithSizes(sizes, gocv.MatTypeCV32F)
	defer blob.Close()

	dst, err := blob.DataPtrFloat32()
	if err != nil {
		return nil, apperr.ModelExecution("error accessing blob memory", err)
	}
	copy(dst, input.Data)

	r.net.SetInput(blob, "")
	output := r.net.Forward("")
	defer output.Close()

	if output.Empty() {
		return nil, apperr.ModelExecution("forward pass returned no data", nil)
	}

	values, err := output.DataPtrFloat32()
	if err != nil {
		return nil, apperr.ModelExecution("unexpected output type", err)
	}
	data := make([]float32, len(values))
	copy(data, values)

	dims := output.Size()
	shape := make([]int64, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}

	return &tensor.RawOutput{Shape: shape, Data: data}, nil
}

// Close releases the network.
func (r *Runtime) Close() error {
	return r.net.Close()
}
