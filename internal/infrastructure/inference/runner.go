package inference

import "avmed-detection/internal/adapters/decode"

// ModelRunner executes one loaded model: a flat CHW float32 input in, the raw
// output tensor out. Implementations are not safe for concurrent Run calls;
// the worker serializes frames, so they never happen.
type ModelRunner interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// RunnerFactory builds a runner from raw model bytes. The ONNX implementation
// lives in onnx.go; tests substitute deterministic fakes.
type RunnerFactory func(modelBytes []byte, cfg decode.ModelConfig) (ModelRunner, error)
