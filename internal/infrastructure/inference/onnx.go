package inference

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"avmed-detection/internal/adapters/decode"
)

// InitRuntime points onnxruntime at its shared library and initializes the
// environment. Call once at process start; pair with ShutdownRuntime.
func InitRuntime(libPath string) error {
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	return ort.InitializeEnvironment()
}

func ShutdownRuntime() {
	_ = ort.DestroyEnvironment()
}

// ONNXRunnerFactory builds runners backed by onnxruntime sessions created
// straight from model bytes, so the worker never touches the filesystem.
func ONNXRunnerFactory(modelBytes []byte, cfg decode.ModelConfig) (ModelRunner, error) {
	if cfg.OutputRows <= 0 {
		return nil, fmt.Errorf("model %q: output row count is required for the onnx backend", cfg.Name)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	_ = options.SetIntraOpNumThreads(runtime.NumCPU())

	inputShape := ort.NewShape(1, 3, int64(cfg.InputHeight), int64(cfg.InputWidth))
	outputShape := ort.NewShape(1, int64(cfg.OutputRows), int64(cfg.RowStride()))

	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	inputName := cfg.InputName
	if inputName == "" {
		inputName = "images"
	}
	outputName := cfg.OutputName
	if outputName == "" {
		outputName = "output0"
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		modelBytes,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &onnxRunner{session: session, input: input, output: output}, nil
}

type onnxRunner struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (r *onnxRunner) Run(input []float32) ([]float32, error) {
	dst := r.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input length %d does not match tensor size %d", len(input), len(dst))
	}
	copy(dst, input)
	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	src := r.output.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out, nil
}

func (r *onnxRunner) Close() error {
	if r.session != nil {
		r.session.Destroy()
	}
	if r.input != nil {
		r.input.Destroy()
	}
	if r.output != nil {
		r.output.Destroy()
	}
	return nil
}
