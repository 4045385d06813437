// Package tflite runs TensorFlow Lite exports of the detector.
package tflite

import (
	"context"
	"fmt"
	"os"

	"detectserver/internal/apperr"
	"detectserver/internal/runtime"
	"detectserver/internal/tensor"

	"github.com/mattn/go-tflite"
)

// Options configures the TensorFlow Lite backend.
type Options struct {
	ModelPath string
	Threads   int
}

// Runtime wraps one interpreter. Interpreters own their tensors, so a Runtime
// must not run concurrently; backends.Open wraps it in a runtime.Pool.
type Runtime struct {
	model  *tflite.Model
	interp *tflite.Interpreter
	info   runtime.ModelInfo
}

// Open loads the model and allocates the interpreter tensors.
func Open(opts Options) (*Runtime, error) {
	if _, err := os.Stat(opts.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", opts.ModelPath)
	}

	model := tflite.NewModelFromFile(opts.ModelPath)
	if model == nil {
		return nil, fmt.Errorf("cannot load model %s", opts.ModelPath)
	}

	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	if opts.Threads > 0 {
		options.SetNumThread(opts.Threads)
	}

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter")
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		model.Delete()
		return nil, fmt.Errorf("allocate tensors failed: %v", status)
	}
	if interp.GetOutputTensorCount() == 0 {
		interp.Delete()
		model.Delete()
		return nil, fmt.Errorf("model declares no outputs")
	}

	input := interp.GetInputTensor(0)
	output := interp.GetOutputTensor(0)

	return &Runtime{
		model:  model,
		interp: interp,
		info: runtime.ModelInfo{
			Path:            opts.ModelPath,
			Backend:         runtime.BackendTFLite,
			InputName:       input.Name(),
			InputShape:      tensorShape(input),
			InputLayout:     tensor.NHWC,
			OutputName:      output.Name(),
			OutputShape:     tensorShape(output),
			Metadata:        map[string]string{},
			NormalizedBoxes: true,
		},
	}, nil
}

func tensorShape(t *tflite.Tensor) []int64 {
	shape := make([]int64, t.NumDims())
	for i := range shape {
		shape[i] = int64(t.Dim(i))
	}
	return shape
}

// Info returns the model description.
func (r *Runtime) Info() runtime.ModelInfo {
	return r.info
}

// Run executes one forward pass. It is not safe for concurrent use.
func (r *Runtime) Run(ctx context.Context, in *tensor.Tensor) (*tensor.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, apperr.ModelExecution("invalid input tensor", err)
	}
	if in.Layout != tensor.NHWC || !in.Matches(r.info.InputShape) {
		return nil, apperr.ModelExecution(
			fmt.Sprintf("input %s %v does not match model input NHWC %v", in.Layout, in.Shape, r.info.InputShape), nil)
	}

	input := r.interp.GetInputTensor(0)
	switch input.Type() {
	case tflite.Float32:
		if status := input.SetFloat32s(in.Data); status != tflite.OK {
			return nil, apperr.ModelExecution(fmt.Sprintf("set input failed: %v", status), nil)
		}
	case tflite.UInt8:
		q := input.QuantizationParams()
		dst := input.UInt8s()
		for i, v := range in.Data {
			dst[i] = quantize(v, q.Scale, q.ZeroPoint)
		}
	default:
		return nil, apperr.ModelExecution(fmt.Sprintf("unsupported input type %v", input.Type()), nil)
	}

	if status := r.interp.Invoke(); status != tflite.OK {
		return nil, apperr.ModelExecution(fmt.Sprintf("invoke failed: %v", status), nil)
	}

	output := r.interp.GetOutputTensor(0)
	var data []float32
	switch output.Type() {
	case tflite.Float32:
		src := output.Float32s()
		data = make([]float32, len(src))
		copy(data, src)
	case tflite.UInt8:
		q := output.QuantizationParams()
		src := output.UInt8s()
		data = make([]float32, len(src))
		for i, v := range src {
			data[i] = float32(q.Scale * float64(int(v)-q.ZeroPoint))
		}
	default:
		return nil, apperr.ModelExecution(fmt.Sprintf("unsupported output type %v", output.Type()), nil)
	}

	return &tensor.RawOutput{Shape: tensorShape(output), Data: data}, nil
}

func quantize(v float32, scale float64, zeroPoint int) uint8 {
	if scale == 0 {
		scale = 1.0 / 255
	}
	q := int(float64(v)/scale+0.5) + zeroPoint
	return uint8(min(255, max(0, q)))
}

// Close deletes the interpreter and the model.
func (r *Runtime) Close() error {
	if r.interp != nil {
		r.interp.Delete()
		r.interp = nil
	}
	if r.model != nil {
		r.model.Delete()
		r.model = nil
	}
	return nil
}
