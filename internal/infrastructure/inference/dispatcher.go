// Package inference runs model execution off the interactive path. The
// Dispatcher lives on the caller's side, owns a worker goroutine, and
// correlates asynchronous requests with replies by monotonic id; the worker
// owns the loaded models and shares no mutable state with anyone.
package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"avmed-detection/internal/domain"
	"avmed-detection/internal/infrastructure/observability"
)

const (
	// DefaultStartupTimeout bounds worker spawn + model deserialization.
	DefaultStartupTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds one frame's inference; expiry degrades to
	// an empty result, never an error.
	DefaultRequestTimeout = 10 * time.Second
)

// Timeouts tunes the dispatcher bounds. Zero values take the defaults.
type Timeouts struct {
	Startup time.Duration
	Request time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Startup <= 0 {
		t.Startup = DefaultStartupTimeout
	}
	if t.Request <= 0 {
		t.Request = DefaultRequestTimeout
	}
	return t
}

type frameReply struct {
	detections []domain.Detection
	err        error
}

// Dispatcher is safe for concurrent use. The single invariant it enforces is
// "at most one processFrame outstanding per worker": a submission while one
// is in flight fails with ErrBusy, queueing policy belongs to the caller.
type Dispatcher struct {
	log      zerolog.Logger
	metrics  *observability.Metrics
	factory  RunnerFactory
	timeouts Timeouts

	mu          sync.Mutex
	toWorker    chan envelope
	quit        chan struct{}
	pending     map[uint64]chan frameReply
	inflight    bool
	nextID      uint64
	initialized bool
	disposed    bool
	inputW      int
	inputH      int
}

func NewDispatcher(log *zerolog.Logger, metrics *observability.Metrics, factory RunnerFactory, timeouts Timeouts) *Dispatcher {
	return &Dispatcher{
		log:      observability.Component(log, "dispatcher"),
		metrics:  metrics,
		factory:  factory,
		timeouts: timeouts.withDefaults(),
		pending:  make(map[uint64]chan frameReply),
	}
}

// Initialize spawns a fresh worker, hands it the model assets and waits for
// its ready reply. Failing with ErrWorkerStartupTimeout leaves the dispatcher
// reusable: calling Initialize again spawns a new worker.
func (d *Dispatcher) Initialize(ctx context.Context, assets []ModelAsset) error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return domain.ErrWorkerClosed
	}
	d.teardownLocked()

	to := make(chan envelope, 2)
	from := make(chan envelope, 4)
	quit := make(chan struct{})
	ready := make(chan envelope, 1)
	d.toWorker, d.quit = to, quit

	w := &worker{
		log:     observability.Component(&d.log, "worker"),
		in:      to,
		out:     from,
		quit:    quit,
		factory: d.factory,
	}
	go w.run()
	go d.correlate(from, ready, quit)
	d.mu.Unlock()

	to <- envelope{Type: msgInitialize, Assets: assets}

	startup := time.NewTimer(d.timeouts.Startup)
	defer startup.Stop()
	select {
	case env := <-ready:
		if env.Type == msgError {
			d.terminate()
			return env.Err
		}
		d.mu.Lock()
		d.initialized = true
		d.inputW, d.inputH = env.InputWidth, env.InputHeight
		d.mu.Unlock()
		d.log.Info().Int("inputWidth", env.InputWidth).Int("inputHeight", env.InputHeight).Msg("worker ready")
		return nil
	case <-startup.C:
		d.terminate()
		return domain.ErrWorkerStartupTimeout
	case <-ctx.Done():
		d.terminate()
		return ctx.Err()
	}
}

// SubmitFrame sends one frame to the worker and waits for its result. On
// request timeout the pending entry is dropped and an empty list returned —
// a valid non-error outcome on a live feed. A late worker reply for a dropped
// id is a no-op.
func (d *Dispatcher) SubmitFrame(ctx context.Context, frame domain.Frame) ([]domain.Detection, error) {
	if !frame.Valid() {
		return nil, domain.ErrInvalidFrame
	}

	d.mu.Lock()
	switch {
	case d.disposed:
		d.mu.Unlock()
		return nil, domain.ErrWorkerClosed
	case !d.initialized:
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher not initialized")
	case d.inflight:
		d.mu.Unlock()
		return nil, domain.ErrBusy
	}
	d.nextID++
	requestID := d.nextID
	reply := make(chan frameReply, 1)
	d.pending[requestID] = reply
	d.inflight = true
	to := d.toWorker
	d.mu.Unlock()

	start := time.Now()
	to <- envelope{Type: msgProcessFrame, RequestID: requestID, Frame: frame}

	timeout := time.NewTimer(d.timeouts.Request)
	defer timeout.Stop()
	select {
	case r := <-reply:
		if d.metrics != nil {
			d.metrics.InferenceSeconds.Observe(time.Since(start).Seconds())
		}
		if r.err != nil {
			d.log.Warn().Err(r.err).Uint64("request", requestID).Msg("frame degraded to empty result")
			return []domain.Detection{}, r.err
		}
		return r.detections, nil
	case <-timeout.C:
		d.abandon(requestID)
		if d.metrics != nil {
			d.metrics.TimeoutsTotal.WithLabelValues("inference").Inc()
		}
		d.log.Warn().Uint64("request", requestID).Msg("inference timed out, frame skipped")
		return []domain.Detection{}, nil
	case <-ctx.Done():
		d.abandon(requestID)
		return nil, ctx.Err()
	}
}

// InputSize reports the loaded model's input signature.
func (d *Dispatcher) InputSize() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputW, d.inputH
}

// Dispose sends a best-effort dispose to the worker, force-terminates it and
// resolves any still-pending request with an empty result. Safe to call
// concurrently with an in-flight SubmitFrame and more than once.
func (d *Dispatcher) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return
	}
	d.disposed = true
	if d.toWorker != nil {
		select {
		case d.toWorker <- envelope{Type: msgDispose}:
		default:
		}
	}
	d.teardownLocked()
	d.log.Info().Msg("dispatcher disposed")
}

// teardownLocked kills the current worker (if any) and resolves pending
// requests empty rather than leaving them unresolved. Caller holds d.mu.
func (d *Dispatcher) teardownLocked() {
	if d.quit != nil {
		close(d.quit)
		d.quit = nil
	}
	d.initialized = false
	d.inflight = false
	for id, ch := range d.pending {
		delete(d.pending, id)
		ch <- frameReply{detections: []domain.Detection{}}
	}
}

// abandon drops a pending entry after timeout or cancellation.
func (d *Dispatcher) abandon(requestID uint64) {
	d.mu.Lock()
	if _, ok := d.pending[requestID]; ok {
		delete(d.pending, requestID)
		d.inflight = false
	}
	d.mu.Unlock()
}

func (d *Dispatcher) terminate() {
	d.mu.Lock()
	d.teardownLocked()
	d.mu.Unlock()
}

// correlate routes worker replies: ready and startup errors to the
// initializing call, results and per-frame errors to their pending entry.
func (d *Dispatcher) correlate(from <-chan envelope, ready chan<- envelope, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case env := <-from:
			switch env.Type {
			case msgReady:
				ready <- env
			case msgError:
				if env.RequestID == 0 {
					ready <- env
					continue
				}
				d.resolve(env.RequestID, frameReply{err: env.Err})
			case msgResult:
				d.resolve(env.RequestID, frameReply{detections: env.Detections})
			}
		}
	}
}

func (d *Dispatcher) resolve(requestID uint64, r frameReply) {
	d.mu.Lock()
	ch, ok := d.pending[requestID]
	if !ok {
		d.mu.Unlock()
		// Abandoned by timeout or disposal; late replies are silent no-ops.
		d.log.Debug().Uint64("request", requestID).Msg("late reply for unknown request")
		return
	}
	delete(d.pending, requestID)
	d.inflight = false
	d.mu.Unlock()
	ch <- r
}
