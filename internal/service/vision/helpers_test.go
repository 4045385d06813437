package vision

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"detectserver/internal/logger"
	"detectserver/internal/runtime"
	"detectserver/internal/tensor"
)

// fakeRuntime returns a canned output and records the last input.
type fakeRuntime struct {
	info      runtime.ModelInfo
	output    *tensor.RawOutput
	err       error
	lastInput *tensor.Tensor
	closed    bool
}

func (f *fakeRuntime) Info() runtime.ModelInfo { return f.info }

func (f *fakeRuntime) Run(ctx context.Context, in *tensor.Tensor) (*tensor.RawOutput, error) {
	f.lastInput = in
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func (f *fakeRuntime) Close() error {
	f.closed = true
	return nil
}

// yolov8Output lays out anchors ([cx, cy, w, h, score0, score1, ...]) in the
// channel-major [1, 4+nc, N] order.
func yolov8Output(anchors ...[]float32) *tensor.RawOutput {
	channels := len(anchors[0])
	n := len(anchors)
	data := make([]float32, channels*n)
	for i, a := range anchors {
		for c, v := range a {
			data[c*n+i] = v
		}
	}
	return &tensor.RawOutput{Shape: []int64{1, int64(channels), int64(n)}, Data: data}
}

// rowOutput lays out rows in the row-major [1, N, width] order.
func rowOutput(rows ...[]float32) *tensor.RawOutput {
	width := len(rows[0])
	data := make([]float32, 0, width*len(rows))
	for _, r := range rows {
		data = append(data, r...)
	}
	return &tensor.RawOutput{Shape: []int64{1, int64(len(rows)), int64(width)}, Data: data}
}

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

// catModel describes a 640x640 NCHW model with two classes, cat and dog.
func catModel(output *tensor.RawOutput) *fakeRuntime {
	return &fakeRuntime{
		info: runtime.ModelInfo{
			Path:        "testdata-missing/best.onnx",
			Backend:     runtime.BackendONNX,
			InputName:   "images",
			InputShape:  []int64{1, 3, 640, 640},
			InputLayout: tensor.NCHW,
			OutputName:  "output0",
			OutputShape: output.Shape,
			Metadata:    map[string]string{"names": "{0: 'cat', 1: 'dog'}"},
		},
		output: output,
	}
}

// gatedRuntime holds Run until release is closed and records whether Close
// ran while a forward pass was still executing.
type gatedRuntime struct {
	*fakeRuntime
	entered         chan struct{}
	release         chan struct{}
	inRun           atomic.Bool
	closedDuringRun atomic.Bool
}

func newGatedRuntime(inner *fakeRuntime) *gatedRuntime {
	return &gatedRuntime{fakeRuntime: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRuntime) Run(ctx context.Context, in *tensor.Tensor) (*tensor.RawOutput, error) {
	g.inRun.Store(true)
	close(g.entered)
	<-g.release
	defer g.inRun.Store(false)
	return g.fakeRuntime.Run(ctx, in)
}

func (g *gatedRuntime) Close() error {
	if g.inRun.Load() {
		g.closedDuringRun.Store(true)
	}
	return g.fakeRuntime.Close()
}

// pooledRuntime reports fixed pool usage.
type pooledRuntime struct {
	*fakeRuntime
	stats runtime.PoolStats
}

func (p *pooledRuntime) Stats() runtime.PoolStats { return p.stats }

func setupTestDetector(t *testing.T, rt runtime.Runtime) *Detector {
	t.Helper()

	d, err := NewDetector(rt, DetectorConfig{
		InputSize:     640,
		DecoderFormat: "auto",
		Defaults:      Options{ConfThreshold: 0.25, IoUThreshold: 0.45},
	}, logger.NewDiscard())
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	return d
}

func approx(a, b float32) bool {
	d := a - b
	return d < 1e-3 && d > -1e-3
}
