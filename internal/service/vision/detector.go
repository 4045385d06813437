// Package vision implements the detection pipeline: letterbox preprocessing,
// model execution through a runtime.Runtime, and output decoding with
// per-class non-maximum suppression.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"detectserver/internal/apperr"
	"detectserver/internal/logger"
	"detectserver/internal/model"
	"detectserver/internal/runtime"
	"detectserver/internal/tensor"

	"github.com/google/uuid"
)

// ErrClosed is wrapped by the ModelExecutionError returned after Close.
var ErrClosed = errors.New("detector is closed")

// DetectorConfig holds the load-time choices of the pipeline.
type DetectorConfig struct {
	// InputSize is used only when the model input has dynamic spatial dims.
	InputSize     int
	SwapRB        bool
	DecoderFormat string
	LabelsPath    string
	Defaults      Options
}

// Result is the outcome of one inference request.
type Result struct {
	Detections  []model.Detection `json:"detections"`
	ImageWidth  int               `json:"image_width"`
	ImageHeight int               `json:"image_height"`
	Timings     model.Timings     `json:"-"`
}

// HealthStatus describes the loaded model.
type HealthStatus struct {
	Ready       bool            `json:"model_loaded"`
	ModelPath   string          `json:"model_path"`
	ModelExists bool            `json:"model_exists"`
	Backend     runtime.Backend `json:"backend"`
	Format      Format          `json:"format"`
	InputShape  []int64         `json:"input_shape"`
	OutputShape []int64         `json:"output_shape"`
	Classes     int             `json:"classes"`
	LabelSource string          `json:"label_source"`
	// Pool is set when the runtime serializes access through a Pool.
	Pool *runtime.PoolStats `json:"pool,omitempty"`
}

// Detector runs the full pipeline. It is safe for concurrent use; the
// runtime is responsible for serializing access when it must. Close waits
// for forward passes in flight before releasing the runtime.
type Detector struct {
	rt          runtime.Runtime
	info        runtime.ModelInfo
	pre         *Preprocessor
	dec         *Decoder
	defaults    Options
	labelSource string
	logger      *logger.Logger

	// mu is held shared around rt.Run and exclusively by Close.
	mu     sync.RWMutex
	closed atomic.Bool
}

// NewDetector binds a loaded runtime to a preprocessor and a decoder. The
// decoder format and labels are resolved here, once.
func NewDetector(rt runtime.Runtime, cfg DetectorConfig, log *logger.Logger) (*Detector, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime is nil")
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default options: %w", err)
	}

	info := rt.Info()
	size := info.InputSize()
	if size == 0 {
		size = cfg.InputSize
	}
	if size <= 0 {
		return nil, fmt.Errorf("model input %v is dynamic and no input size is configured", info.InputShape)
	}

	labels, source, err := ResolveLabels(info, cfg.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load labels: %w", err)
	}

	format, err := SelectFormat(info, cfg.DecoderFormat, labels.Len())
	if err != nil {
		return nil, err
	}

	log.Info("Detector ready: %s format, %dx%d %s input, %d classes from %s",
		format, size, size, info.InputLayout, labels.Len(), source)

	return &Detector{
		rt:          rt,
		info:        info,
		pre:         &Preprocessor{Size: size, Layout: info.InputLayout, SwapRB: cfg.SwapRB},
		dec:         NewDecoder(format, labels, info.NormalizedBoxes),
		defaults:    cfg.Defaults,
		labelSource: source,
		logger:      log,
	}, nil
}

// Defaults returns the configured thresholds.
func (d *Detector) Defaults() Options {
	return d.defaults
}

// Labels returns the class names the decoder uses.
func (d *Detector) Labels() Labels {
	return d.dec.Labels()
}

// Infer decodes imageBytes and returns its detections in original pixels.
func (d *Detector) Infer(ctx context.Context, imageBytes []byte, opts Options) ([]model.Detection, error) {
	res, err := d.Detect(ctx, imageBytes, opts)
	if err != nil {
		return nil, err
	}
	return res.Detections, nil
}

// Detect is Infer with image size and stage timings.
func (d *Detector) Detect(ctx context.Context, imageBytes []byte, opts Options) (*Result, error) {
	start := time.Now()
	img, err := DecodeImage(imageBytes)
	if err != nil {
		return nil, err
	}
	decodeTime := time.Since(start)

	res, err := d.InferImage(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	res.Timings.ImageDecode = decodeTime
	res.Timings.Total = time.Since(start)

	d.logTimings(res)
	return res, nil
}

// InferImage runs the pipeline on an already decoded image.
func (d *Detector) InferImage(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	if d.closed.Load() {
		return nil, apperr.ModelExecution("inference unavailable", ErrClosed)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	timings := model.Timings{RequestID: uuid.NewString()}
	start := time.Now()

	input, tr, err := d.pre.Preprocess(img)
	if err != nil {
		return nil, err
	}
	timings.Preprocess = time.Since(start)

	inferStart := time.Now()
	raw, err := d.run(ctx, input)
	if err != nil {
		return nil, err
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	dets, err := d.dec.Decode(raw, tr, opts)
	if err != nil {
		d.logger.Error("Decode failed for %s output %v: %v", d.dec.Format(), raw.Shape, err)
		return nil, err
	}
	timings.Postprocess = time.Since(postStart)
	timings.Total = time.Since(start)

	return &Result{
		Detections:  dets,
		ImageWidth:  tr.SrcWidth,
		ImageHeight: tr.SrcHeight,
		Timings:     timings,
	}, nil
}

// run executes one forward pass unless the detector was closed meanwhile.
func (d *Detector) run(ctx context.Context, input *tensor.Tensor) (*tensor.RawOutput, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return nil, apperr.ModelExecution("inference unavailable", ErrClosed)
	}
	return d.rt.Run(ctx, input)
}

func (d *Detector) logTimings(res *Result) {
	t := res.Timings
	d.logger.Debug("request %s: %d detections, decode=%v preprocess=%v inference=%v postprocess=%v total=%v",
		t.RequestID, len(res.Detections), t.ImageDecode, t.Preprocess, t.Inference, t.Postprocess, t.Total)
}

// Ready reports whether the model is loaded and able to serve requests.
func (d *Detector) Ready() bool {
	return d != nil && !d.closed.Load()
}

// Health describes the model the detector serves.
func (d *Detector) Health() HealthStatus {
	_, statErr := os.Stat(d.info.Path)
	status := HealthStatus{
		Ready:       d.Ready(),
		ModelPath:   d.info.Path,
		ModelExists: statErr == nil,
		Backend:     d.info.Backend,
		Format:      d.dec.Format(),
		InputShape:  d.info.InputShape,
		OutputShape: d.info.OutputShape,
		Classes:     d.dec.Labels().Len(),
		LabelSource: d.labelSource,
	}
	if sr, ok := d.rt.(runtime.StatsReporter); ok {
		stats := sr.Stats()
		status.Pool = &stats
	}
	return status
}

// Close waits for running forward passes and releases the runtime. Requests
// after Close fail with a ModelExecutionError.
func (d *Detector) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rt.Close()
}
