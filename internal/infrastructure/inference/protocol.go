package inference

import (
	"avmed-detection/internal/adapters/decode"
	"avmed-detection/internal/domain"
)

// The dispatcher and the worker communicate exclusively through envelopes on
// one channel pair. The envelope set is symmetric with the worker's replies:
// initialize/processFrame/dispose inbound, ready/result/error outbound.
type msgType string

const (
	msgInitialize   msgType = "initialize"
	msgProcessFrame msgType = "processFrame"
	msgDispose      msgType = "dispose"
	msgReady        msgType = "ready"
	msgResult       msgType = "result"
	msgError        msgType = "error"
)

type envelope struct {
	Type      msgType
	RequestID uint64

	// initialize
	Assets []ModelAsset

	// processFrame
	Frame domain.Frame

	// result
	Detections []domain.Detection

	// error
	Err error

	// ready: input signature of the first loaded model, so the dispatcher
	// can reject malformed frames before they cross the channel.
	InputWidth  int
	InputHeight int
}

// ModelAsset carries raw model bytes plus the static descriptor. Dual-model
// configs provide one blob per sub-model in SubBytes; all other families use
// Bytes. Asset bytes are read on the caller's side (only it can reach bundled
// assets) and handed to the worker on initialize.
type ModelAsset struct {
	Bytes    []byte
	SubBytes [][]byte
	Config   decode.ModelConfig
}
