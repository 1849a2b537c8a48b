package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"avmed-detection/internal/adapters/decode"
	"avmed-detection/internal/domain"
	"avmed-detection/internal/infrastructure/observability"
)

// dogRow decodes to one "dog" detection at confidence 0.72.
var dogRow = []float32{0.5, 0.5, 0.2, 0.2, 0.9, 0.1, 0.8}

func testConfig() decode.ModelConfig {
	return decode.ModelConfig{
		Name:          "test-detector",
		Family:        decode.FamilySingleStage,
		InputWidth:    8,
		InputHeight:   8,
		Labels:        []string{"cat", "dog"},
		ConfThreshold: 0.5,
		IoUThreshold:  0.45,
		Objectness:    true,
	}
}

func testFrame() domain.Frame {
	return domain.Frame{Pixels: make([]byte, 8*8*4), Width: 8, Height: 8}
}

type fakeRunner struct {
	output  []float32
	err     error
	started chan struct{} // closed-once signal that Run was entered
	release chan struct{} // when non-nil, Run blocks until closed
	calls   atomic.Int64
}

func (r *fakeRunner) Run(input []float32) ([]float32, error) {
	if n := r.calls.Add(1); n == 1 && r.started != nil {
		close(r.started)
	}
	if r.release != nil {
		<-r.release
	}
	return r.output, r.err
}

func (r *fakeRunner) Close() error { return nil }

func staticFactory(r ModelRunner) RunnerFactory {
	return func([]byte, decode.ModelConfig) (ModelRunner, error) { return r, nil }
}

func newTestDispatcher(t *testing.T, factory RunnerFactory, timeouts Timeouts) *Dispatcher {
	t.Helper()
	log := observability.NewLogger("error")
	return NewDispatcher(log, observability.NewMetrics(), factory, timeouts)
}

func TestInitializeAndSubmit(t *testing.T) {
	d := newTestDispatcher(t, staticFactory(&fakeRunner{output: dogRow}), Timeouts{})
	defer d.Dispose()

	if err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if w, h := d.InputSize(); w != 8 || h != 8 {
		t.Fatalf("input size = %dx%d, want 8x8", w, h)
	}

	dets, err := d.SubmitFrame(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dets) != 1 || dets[0].Label != "dog" {
		t.Fatalf("got %+v, want one dog", dets)
	}
	if dets[0].Status != domain.StatusSuccess {
		t.Fatalf("status = %q, want success", dets[0].Status)
	}
}

func TestSubmitRejectsSecondInFlight(t *testing.T) {
	runner := &fakeRunner{output: dogRow, started: make(chan struct{}), release: make(chan struct{})}
	d := newTestDispatcher(t, staticFactory(runner), Timeouts{})
	defer d.Dispose()
	if err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.SubmitFrame(context.Background(), testFrame())
	}()
	<-runner.started

	if _, err := d.SubmitFrame(context.Background(), testFrame()); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	close(runner.release)
	<-done
}

func TestTimeoutReturnsEmptyAndLateReplyIsNoOp(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{output: dogRow, release: release}
	d := newTestDispatcher(t, staticFactory(runner), Timeouts{Request: 50 * time.Millisecond})
	defer d.Dispose()
	if err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	dets, err := d.SubmitFrame(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("timed-out submit must not error, got %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("timed-out submit returned %+v, want empty", dets)
	}

	// Let the worker finish the abandoned frame; its late reply must be
	// dropped and the worker must stay usable.
	close(release)
	deadline := time.After(2 * time.Second)
	for {
		dets, err = d.SubmitFrame(context.Background(), testFrame())
		if !errors.Is(err, domain.ErrBusy) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never became available again")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err != nil {
		t.Fatalf("submit after late reply: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("got %+v, want one detection", dets)
	}
}

func TestStartupTimeoutIsRetryable(t *testing.T) {
	var blocking atomic.Bool
	blocking.Store(true)
	release := make(chan struct{})
	factory := func(b []byte, cfg decode.ModelConfig) (ModelRunner, error) {
		if blocking.Load() {
			<-release
		}
		return &fakeRunner{output: dogRow}, nil
	}
	d := newTestDispatcher(t, factory, Timeouts{Startup: 50 * time.Millisecond})
	defer d.Dispose()

	err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}})
	if !errors.Is(err, domain.ErrWorkerStartupTimeout) {
		t.Fatalf("err = %v, want ErrWorkerStartupTimeout", err)
	}

	blocking.Store(false)
	close(release)
	if err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}}); err != nil {
		t.Fatalf("re-initialize after startup timeout: %v", err)
	}
	if _, err := d.SubmitFrame(context.Background(), testFrame()); err != nil {
		t.Fatalf("submit after re-initialize: %v", err)
	}
}

func TestModelLoadErrorIsFatal(t *testing.T) {
	factory := func(b []byte, cfg decode.ModelConfig) (ModelRunner, error) {
		return nil, fmt.Errorf("corrupt model bytes")
	}
	d := newTestDispatcher(t, factory, Timeouts{})
	defer d.Dispose()

	err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}})
	if !errors.Is(err, domain.ErrModelLoad) {
		t.Fatalf("err = %v, want ErrModelLoad", err)
	}
}

func TestPerFrameErrorKeepsWorkerUsable(t *testing.T) {
	var calls atomic.Int64
	runner := &fakeRunner{output: dogRow}
	factory := func(b []byte, cfg decode.ModelConfig) (ModelRunner, error) {
		return runnerFunc(func(input []float32) ([]float32, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("backend hiccup")
			}
			return runner.output, nil
		}), nil
	}
	d := newTestDispatcher(t, factory, Timeouts{})
	defer d.Dispose()
	if err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	dets, err := d.SubmitFrame(context.Background(), testFrame())
	var de *domain.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
	if len(dets) != 0 {
		t.Fatalf("failed frame returned %+v, want empty", dets)
	}

	dets, err = d.SubmitFrame(context.Background(), testFrame())
	if err != nil || len(dets) != 1 {
		t.Fatalf("worker unusable after per-frame error: dets=%+v err=%v", dets, err)
	}
}

func TestDisposeResolvesPending(t *testing.T) {
	runner := &fakeRunner{output: dogRow, started: make(chan struct{}), release: make(chan struct{})}
	d := newTestDispatcher(t, staticFactory(runner), Timeouts{})
	if err := d.Initialize(context.Background(), []ModelAsset{{Config: testConfig()}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	type outcome struct {
		dets []domain.Detection
		err  error
	}
	res := make(chan outcome, 1)
	go func() {
		dets, err := d.SubmitFrame(context.Background(), testFrame())
		res <- outcome{dets, err}
	}()
	<-runner.started

	d.Dispose()
	got := <-res
	if got.err != nil {
		t.Fatalf("pending request errored on dispose: %v", got.err)
	}
	if len(got.dets) != 0 {
		t.Fatalf("pending request resolved with %+v, want empty", got.dets)
	}
	if _, err := d.SubmitFrame(context.Background(), testFrame()); !errors.Is(err, domain.ErrWorkerClosed) {
		t.Fatalf("submit after dispose = %v, want ErrWorkerClosed", err)
	}
	close(runner.release)
}

func TestDualModelConcatenatesSubModels(t *testing.T) {
	pillCfg := testConfig()
	pillCfg.Name = "pill"
	pillCfg.Labels = []string{"pill"}
	faceCfg := testConfig()
	faceCfg.Name = "face"
	faceCfg.Labels = []string{"face"}

	dual := decode.ModelConfig{
		Name:   "medication-check",
		Family: decode.FamilyDualModel,
		Sub:    []decode.ModelConfig{pillCfg, faceCfg},
	}

	// Each sub-model returns one confident row; the decoded outputs are
	// concatenated without cross-model suppression despite full overlap.
	row := []float32{0.5, 0.5, 0.4, 0.4, 0.9, 0.9}
	factory := func(b []byte, cfg decode.ModelConfig) (ModelRunner, error) {
		return runnerFunc(func([]float32) ([]float32, error) { return row, nil }), nil
	}

	d := newTestDispatcher(t, factory, Timeouts{})
	defer d.Dispose()
	asset := ModelAsset{SubBytes: [][]byte{nil, nil}, Config: dual}
	if err := d.Initialize(context.Background(), []ModelAsset{asset}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	dets, err := d.SubmitFrame(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2 (one per sub-model)", len(dets))
	}
	if dets[0].Label != "pill" || dets[1].Label != "face" {
		t.Fatalf("labels = %q,%q, want pill,face", dets[0].Label, dets[1].Label)
	}
}

// runnerFunc adapts a function to ModelRunner.
type runnerFunc func(input []float32) ([]float32, error)

func (f runnerFunc) Run(input []float32) ([]float32, error) { return f(input) }
func (f runnerFunc) Close() error                           { return nil }
