// Package onnx runs models through the ONNX Runtime C library.
package onnx

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"
	"sync"

	"detectserver/internal/apperr"
	"detectserver/internal/runtime"
	"detectserver/internal/tensor"

	ort "github.com/yalue/onnxruntime_go"
)

// Options configures the ONNX Runtime backend.
type Options struct {
	ModelPath string
	// LibraryPath points at libonnxruntime; empty uses the library default.
	LibraryPath    string
	IntraOpThreads int
}

// Runtime wraps a DynamicAdvancedSession. ONNX Runtime sessions allow
// concurrent Run calls, so no gate is needed.
type Runtime struct {
	session *ort.DynamicAdvancedSession
	info    runtime.ModelInfo
	ownsEnv bool
}

var envMu sync.Mutex

// Open initializes the ONNX Runtime environment if needed and loads the model.
func Open(opts Options) (*Runtime, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s: %w", opts.ModelPath, err)
	}

	ownsEnv, err := initEnvironment(opts.LibraryPath)
	if err != nil {
		return nil, err
	}

	rt, err := load(opts)
	if err != nil {
		if ownsEnv {
			ort.DestroyEnvironment()
		}
		return nil, err
	}
	rt.ownsEnv = ownsEnv
	return rt, nil
}

func initEnvironment(libPath string) (bool, error) {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return false, nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return false, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return true, nil
}

func load(opts Options) (*Runtime, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model inputs and outputs: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected exactly one model input, got %d", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("model declares no outputs")
	}

	metadata, err := readMetadata(opts.ModelPath)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := opts.IntraOpThreads
	if threads <= 0 {
		threads = goruntime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		opts.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	layout := tensor.NCHW
	if dims := inputs[0].Dimensions; len(dims) == 4 && dims[3] == 3 && dims[1] != 3 {
		layout = tensor.NHWC
	}

	return &Runtime{
		session: session,
		info: runtime.ModelInfo{
			Path:        opts.ModelPath,
			Backend:     runtime.BackendONNX,
			InputName:   inputs[0].Name,
			InputShape:  []int64(inputs[0].Dimensions.Clone()),
			InputLayout: layout,
			OutputName:  outputs[0].Name,
			OutputShape: []int64(outputs[0].Dimensions.Clone()),
			Metadata:    metadata,
		},
	}, nil
}

func readMetadata(modelPath string) (map[string]string, error) {
	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}
	defer meta.Destroy()

	keys, err := meta.GetCustomMetadataMapKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to list model metadata keys: %w", err)
	}

	result := make(map[string]string, len(keys))
	for _, key := range keys {
		value, ok, err := meta.LookupCustomMetadataMap(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read model metadata %q: %w", key, err)
		}
		if ok {
			result[key] = value
		}
	}
	return result, nil
}

// Info returns the model description read at load time.
func (r *Runtime) Info() runtime.ModelInfo {
	return r.info
}

// Run executes one forward pass.
func (r *Runtime) Run(ctx context.Context, input *tensor.Tensor) (*tensor.RawOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := input.Validate(); err != nil {
		return nil, apperr.ModelExecution("invalid input tensor", err)
	}
	if !input.Matches(r.info.InputShape) {
		return nil, apperr.ModelExecution(
			fmt.Sprintf("input shape %v does not match model input %v", input.Shape, r.info.InputShape), nil)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, apperr.ModelExecution("error creating input tensor", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, apperr.ModelExecution("model inference", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, apperr.ModelExecution(fmt.Sprintf("unexpected output value type %T", outputs[0]), nil)
	}

	// The output memory belongs to onnxruntime and is freed on Destroy.
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())

	return &tensor.RawOutput{
		Shape: []int64(out.GetShape()),
		Data:  data,
	}, nil
}

// Close destroys the session and, when this runtime created it, the
// process-wide ONNX Runtime environment.
func (r *Runtime) Close() error {
	var err error
	if r.session != nil {
		err = r.session.Destroy()
		r.session = nil
	}
	if r.ownsEnv {
		envMu.Lock()
		defer envMu.Unlock()
		if e := ort.DestroyEnvironment(); e != nil && err == nil {
			err = e
		}
		r.ownsEnv = false
	}
	return err
}
