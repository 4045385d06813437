package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"detectserver/internal/apperr"
	"detectserver/internal/tensor"
)

// fakeRuntime records how many callers are inside Run at once.
type fakeRuntime struct {
	active    *int32
	maxActive *int32
	delay     time.Duration
	closed    bool
	closeErr  error
}

func (f *fakeRuntime) Info() ModelInfo {
	return ModelInfo{Path: "fake.onnx", Backend: BackendOpenCV, InputShape: []int64{1, 3, 4, 4}, InputLayout: tensor.NCHW}
}

func (f *fakeRuntime) Run(ctx context.Context, in *tensor.Tensor) (*tensor.RawOutput, error) {
	n := atomic.AddInt32(f.active, 1)
	for {
		m := atomic.LoadInt32(f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(f.maxActive, m, n) {
			break
		}
	}
	time.Sleep(f.delay)
	atomic.AddInt32(f.active, -1)
	return &tensor.RawOutput{Shape: []int64{1, 1}, Data: []float32{1}}, nil
}

func (f *fakeRuntime) Close() error {
	f.closed = true
	return f.closeErr
}

func newFakeFactory(delay time.Duration) (Factory, *int32, *[]*fakeRuntime) {
	var active, maxActive int32
	var created []*fakeRuntime
	factory := func() (Runtime, error) {
		rt := &fakeRuntime{active: &active, maxActive: &maxActive, delay: delay}
		created = append(created, rt)
		return rt, nil
	}
	return factory, &maxActive, &created
}

func TestPool_SerializesSingleInstance(t *testing.T) {
	factory, maxActive, _ := newFakeFactory(5 * time.Millisecond)
	pool, err := NewPool(factory, 1, time.Second)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	input := tensor.New(tensor.NCHW, 3, 4, 4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Run(context.Background(), input); err != nil {
				t.Errorf("Run failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(maxActive); got != 1 {
		t.Errorf("Expected at most 1 concurrent run, got %d", got)
	}
	if stats := pool.Stats(); stats.TotalAcquired != 8 || stats.InUse != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestPool_InfoFromFirstInstance(t *testing.T) {
	factory, _, _ := newFakeFactory(0)
	pool, err := NewPool(factory, 2, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	if pool.Info().Path != "fake.onnx" {
		t.Errorf("Unexpected info %+v", pool.Info())
	}
	if pool.Stats().Size != 2 {
		t.Errorf("Expected size 2, got %d", pool.Stats().Size)
	}
}

func TestPool_FactoryErrorClosesCreated(t *testing.T) {
	var created []*fakeRuntime
	var active, maxActive int32
	calls := 0
	factory := func() (Runtime, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("out of memory")
		}
		rt := &fakeRuntime{active: &active, maxActive: &maxActive}
		created = append(created, rt)
		return rt, nil
	}

	if _, err := NewPool(factory, 3, time.Second); err == nil {
		t.Fatal("Expected error from failing factory")
	}
	if len(created) != 1 || !created[0].closed {
		t.Error("Instance created before the failure should be closed")
	}
}

func TestPool_AcquireRespectsContext(t *testing.T) {
	factory, _, _ := newFakeFactory(100 * time.Millisecond)
	pool, err := NewPool(factory, 1, time.Second)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	input := tensor.New(tensor.NCHW, 3, 4, 4)
	started := make(chan struct{})
	go func() {
		close(started)
		pool.Run(context.Background(), input)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := pool.Run(ctx, input); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestPool_RunAfterClose(t *testing.T) {
	factory, _, created := newFakeFactory(0)
	pool, err := NewPool(factory, 2, time.Second)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for i, rt := range *created {
		if !rt.closed {
			t.Errorf("Instance %d not closed", i)
		}
	}

	_, err = pool.Run(context.Background(), tensor.New(tensor.NCHW, 3, 4, 4))
	var execErr *apperr.ModelExecutionError
	if !errors.Is(err, ErrPoolClosed) || !errors.As(err, &execErr) {
		t.Errorf("Expected ModelExecutionError wrapping ErrPoolClosed, got %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

// blockingRuntime holds Run until release is closed and records whether
// Close ran while a call was still inside Run.
type blockingRuntime struct {
	entered         chan struct{}
	release         chan struct{}
	inRun           atomic.Bool
	closed          atomic.Bool
	closedDuringRun atomic.Bool
}

func newBlockingRuntime() *blockingRuntime {
	return &blockingRuntime{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRuntime) Info() ModelInfo {
	return ModelInfo{Path: "blocking.onnx", InputShape: []int64{1, 3, 4, 4}, InputLayout: tensor.NCHW}
}

func (b *blockingRuntime) Run(ctx context.Context, in *tensor.Tensor) (*tensor.RawOutput, error) {
	b.inRun.Store(true)
	close(b.entered)
	<-b.release
	b.inRun.Store(false)
	return &tensor.RawOutput{Shape: []int64{1, 1}, Data: []float32{1}}, nil
}

func (b *blockingRuntime) Close() error {
	if b.inRun.Load() {
		b.closedDuringRun.Store(true)
	}
	b.closed.Store(true)
	return nil
}

func TestPool_CloseWaitsForRun(t *testing.T) {
	rt := newBlockingRuntime()
	pool, err := NewPool(func() (Runtime, error) { return rt, nil }, 1, time.Second)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() {
		_, err := pool.Run(context.Background(), tensor.New(tensor.NCHW, 3, 4, 4))
		runErr <- err
	}()
	<-rt.entered

	closeDone := make(chan error, 1)
	go func() { closeDone <- pool.Close() }()

	select {
	case <-closeDone:
		t.Fatal("Close returned while Run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(rt.release)
	if err := <-runErr; err != nil {
		t.Errorf("In-flight Run failed: %v", err)
	}
	select {
	case err := <-closeDone:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not return after Run finished")
	}

	if !rt.closed.Load() || rt.closedDuringRun.Load() {
		t.Errorf("Expected instance closed after Run, closed=%v duringRun=%v", rt.closed.Load(), rt.closedDuringRun.Load())
	}
}

func TestPool_AcquireTimeout(t *testing.T) {
	rt := newBlockingRuntime()
	pool, err := NewPool(func() (Runtime, error) { return rt, nil }, 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	input := tensor.New(tensor.NCHW, 3, 4, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(context.Background(), input)
	}()
	<-rt.entered

	_, err = pool.Run(context.Background(), input)
	var execErr *apperr.ModelExecutionError
	if !errors.As(err, &execErr) || !errors.Is(err, ErrAcquireTimeout) {
		t.Errorf("Expected ModelExecutionError wrapping ErrAcquireTimeout, got %v", err)
	}
	if stats := pool.Stats(); stats.AcquireFailures != 1 || stats.InUse != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	close(rt.release)
	<-done
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		name      string
		modelPath string
		expected  Backend
		wantErr   bool
	}{
		{"", "best.onnx", BackendONNX, false},
		{"auto", "model.TFLITE", BackendTFLite, false},
		{"ORT", "x", BackendONNX, false},
		{"gocv", "best.onnx", BackendOpenCV, false},
		{"tensorflowlite", "best.onnx", BackendTFLite, false},
		{"tensorrt", "best.onnx", "", true},
	}

	for _, tt := range tests {
		got, err := ParseBackend(tt.name, tt.modelPath)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseBackend(%q, %q) = %q, expected %q", tt.name, tt.modelPath, got, tt.expected)
		}
	}
}

func TestModelInfo_InputSize(t *testing.T) {
	tests := []struct {
		shape    []int64
		layout   tensor.Layout
		expected int
	}{
		{[]int64{1, 3, 640, 640}, tensor.NCHW, 640},
		{[]int64{1, 320, 320, 3}, tensor.NHWC, 320},
		{[]int64{1, 3, -1, -1}, tensor.NCHW, 0},
		{[]int64{1, 3, 480, 640}, tensor.NCHW, 0},
		{[]int64{1, 3}, tensor.NCHW, 0},
	}

	for _, tt := range tests {
		info := ModelInfo{InputShape: tt.shape, InputLayout: tt.layout}
		if got := info.InputSize(); got != tt.expected {
			t.Errorf("InputSize(%v, %s) = %d, expected %d", tt.shape, tt.layout, got, tt.expected)
		}
	}
}
