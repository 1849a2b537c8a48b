package inference

import (
	"fmt"

	"github.com/rs/zerolog"

	"avmed-detection/internal/adapters/decode"
	"avmed-detection/internal/domain"
)

// worker owns the loaded model(s) and runs on its own goroutine. It shares no
// mutable state with the dispatcher: every exchange is an envelope over the
// channel pair, and every processFrame request gets exactly one result or
// error reply carrying the request id.
type worker struct {
	log  zerolog.Logger
	in   <-chan envelope
	out  chan<- envelope
	quit <-chan struct{}

	factory RunnerFactory
	models  []loadedModel
}

type loadedModel struct {
	runner ModelRunner
	cfg    decode.ModelConfig
}

func (w *worker) run() {
	defer w.closeModels()
	for {
		select {
		case <-w.quit:
			return
		case env, ok := <-w.in:
			if !ok {
				return
			}
			switch env.Type {
			case msgInitialize:
				w.send(w.initialize(env))
			case msgProcessFrame:
				w.send(w.processFrame(env))
			case msgDispose:
				return
			default:
				w.log.Warn().Str("type", string(env.Type)).Msg("worker: unknown message type")
			}
		}
	}
}

func (w *worker) initialize(env envelope) envelope {
	for _, asset := range env.Assets {
		if err := w.loadAsset(asset); err != nil {
			w.closeModels()
			return envelope{Type: msgError, Err: fmt.Errorf("%w: %v", domain.ErrModelLoad, err)}
		}
	}
	if len(w.models) == 0 {
		return envelope{Type: msgError, Err: fmt.Errorf("%w: no model assets", domain.ErrModelLoad)}
	}
	first := w.models[0].cfg
	return envelope{Type: msgReady, InputWidth: first.InputWidth, InputHeight: first.InputHeight}
}

// loadAsset deserializes model bytes into runners. A dual-model asset expands
// into one runner per sub-model; decode and NMS then run per sub-model so
// suppression never crosses label spaces.
func (w *worker) loadAsset(asset ModelAsset) error {
	cfg := asset.Config
	if cfg.Family == decode.FamilyDualModel {
		if len(asset.SubBytes) != len(cfg.Sub) || len(cfg.Sub) == 0 {
			return fmt.Errorf("dual-model %q: %d blobs for %d sub-configs", cfg.Name, len(asset.SubBytes), len(cfg.Sub))
		}
		for i, sub := range cfg.Sub {
			runner, err := w.factory(asset.SubBytes[i], sub)
			if err != nil {
				return fmt.Errorf("sub-model %q: %w", sub.Name, err)
			}
			w.models = append(w.models, loadedModel{runner: runner, cfg: sub})
		}
		return nil
	}
	runner, err := w.factory(asset.Bytes, cfg)
	if err != nil {
		return fmt.Errorf("model %q: %w", cfg.Name, err)
	}
	w.models = append(w.models, loadedModel{runner: runner, cfg: cfg})
	return nil
}

// processFrame always replies result or error with the request id preserved.
// Faults, including panics out of a runner, are caught at this boundary; the
// worker stays usable for subsequent frames.
func (w *worker) processFrame(env envelope) (reply envelope) {
	reply = envelope{Type: msgResult, RequestID: env.RequestID}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Uint64("request", env.RequestID).Msg("worker: inference panic")
			reply = envelope{Type: msgError, RequestID: env.RequestID, Err: fmt.Errorf("inference panic: %v", r)}
		}
	}()

	detections := make([]domain.Detection, 0, 8)
	for _, m := range w.models {
		input, err := frameToTensor(env.Frame, m.cfg.InputWidth, m.cfg.InputHeight)
		if err != nil {
			return envelope{Type: msgError, RequestID: env.RequestID, Err: err}
		}
		raw, err := m.runner.Run(input)
		if err != nil {
			return envelope{Type: msgError, RequestID: env.RequestID, Err: &domain.DecodeError{Model: m.cfg.Name, Cause: err}}
		}
		cands, err := decode.Decode(m.cfg, raw, env.Frame.Width, env.Frame.Height)
		if err != nil {
			return envelope{Type: msgError, RequestID: env.RequestID, Err: err}
		}
		for _, c := range decode.NMS(cands, m.cfg.IoUThreshold) {
			detections = append(detections, c.Detection())
		}
	}
	reply.Detections = detections
	return reply
}

// send delivers a reply unless the dispatcher is already gone.
func (w *worker) send(env envelope) {
	select {
	case w.out <- env:
	case <-w.quit:
	}
}

func (w *worker) closeModels() {
	for _, m := range w.models {
		_ = m.runner.Close()
	}
	w.models = nil
}
