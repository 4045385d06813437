// Package backends opens the configured model runtime.
package backends

import (
	"fmt"

	"detectserver/internal/config"
	"detectserver/internal/logger"
	"detectserver/internal/runtime"
	"detectserver/internal/runtime/onnx"
	"detectserver/internal/runtime/opencv"
	"detectserver/internal/runtime/tflite"
)

// Open loads the model once with the backend named in cfg. Backends that
// cannot run concurrently are wrapped in a runtime.Pool holding
// INFERENCE_WORKERS independent instances.
func Open(cfg *config.Config, log *logger.Logger) (runtime.Runtime, error) {
	backend, err := runtime.ParseBackend(cfg.RuntimeBackend, cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	log.Info("Loading model %s with %s backend", cfg.ModelPath, backend)

	var rt runtime.Runtime
	switch backend {
	case runtime.BackendONNX:
		rt, err = onnx.Open(onnx.Options{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.OrtLibraryPath,
		})

	case runtime.BackendOpenCV:
		rt, err = runtime.NewPool(func() (runtime.Runtime, error) {
			return opencv.Open(opencv.Options{ModelPath: cfg.ModelPath, InputSize: cfg.InputSize})
		}, cfg.InferenceWorkers, runtime.DefaultAcquireTimeout)

	case runtime.BackendTFLite:
		rt, err = runtime.NewPool(func() (runtime.Runtime, error) {
			return tflite.Open(tflite.Options{ModelPath: cfg.ModelPath})
		}, cfg.InferenceWorkers, runtime.DefaultAcquireTimeout)

	default:
		return nil, fmt.Errorf("backend %s is not supported", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", cfg.ModelPath, err)
	}

	info := rt.Info()
	log.Info("Model loaded: input %s %v (%s), output %s %v",
		info.InputName, info.InputShape, info.InputLayout, info.OutputName, info.OutputShape)
	return rt, nil
}
