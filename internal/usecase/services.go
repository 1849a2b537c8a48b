package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"avmed-detection/internal/domain"
	"avmed-detection/internal/infrastructure/observability"
	"avmed-detection/pkg/shared/id"
)

// Detector is the shared contract of both detection paths: hand over a frame,
// get back the detection set the caller should render. Implementations own
// their timeout and throttling behavior.
type Detector interface {
	SubmitFrame(ctx context.Context, frame domain.Frame) ([]domain.Detection, error)
}

// DetectorFunc adapts a plain function to Detector.
type DetectorFunc func(ctx context.Context, frame domain.Frame) ([]domain.Detection, error)

func (f DetectorFunc) SubmitFrame(ctx context.Context, frame domain.Frame) ([]domain.Detection, error) {
	return f(ctx, frame)
}

// Publisher receives each fresh detection set as it lands (live monitor feed).
type Publisher interface {
	PublishDetections(sessionID string, dets []domain.Detection)
}

// DetectionService drives one detection session at a time over a Detector.
// Camera callers submit frames without blocking: one frame may wait in the
// slot while another is in flight, and a newer frame replaces the waiting one
// (drop-oldest). Callers read the latest completed result.
type DetectionService struct {
	log      zerolog.Logger
	metrics  *observability.Metrics
	detector Detector
	sessions SessionRepository
	pub      Publisher

	frameTimeout time.Duration

	mu      sync.Mutex
	current string
	mode    string
	latest  []domain.Detection
	slot    chan domain.Frame
	quit    chan struct{}
	done    chan struct{}
}

func NewDetectionService(log *zerolog.Logger, metrics *observability.Metrics, detector Detector, sessions SessionRepository, pub Publisher, frameTimeout time.Duration) *DetectionService {
	if frameTimeout <= 0 {
		frameTimeout = 15 * time.Second
	}
	return &DetectionService{
		log:          observability.Component(log, "service"),
		metrics:      metrics,
		detector:     detector,
		sessions:     sessions,
		pub:          pub,
		frameTimeout: frameTimeout,
	}
}

// StartSession opens a session record and spins up the processing loop.
// Only one session runs at a time.
func (s *DetectionService) StartSession(ctx context.Context, mode, endpoint string, recording bool) (string, error) {
	s.mu.Lock()
	if s.current != "" {
		defer s.mu.Unlock()
		return "", fmt.Errorf("%w: session %s still active", domain.ErrInvalidState, s.current)
	}
	sessionID := id.New()
	s.current = sessionID
	s.mode = mode
	s.latest = nil
	s.slot = make(chan domain.Frame, 1)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	slot, quit, done := s.slot, s.quit, s.done
	s.mu.Unlock()

	rec := domain.SessionRecord{
		ID:        sessionID,
		Endpoint:  endpoint,
		Mode:      mode,
		Recording: recording,
		StartedAt: time.Now(),
	}
	if err := s.sessions.CreateSession(ctx, rec); err != nil {
		s.reset()
		return "", err
	}

	go s.loop(sessionID, mode, slot, quit, done)
	s.log.Info().Str("session", sessionID).Str("mode", mode).Msg("session started")
	return sessionID, nil
}

// Submit hands one frame to the session without blocking and returns the
// latest completed detection set. A frame already waiting in the slot is
// replaced by the newer one.
func (s *DetectionService) Submit(frame domain.Frame) ([]domain.Detection, error) {
	if !frame.Valid() {
		return nil, domain.ErrInvalidFrame
	}

	s.mu.Lock()
	if s.current == "" {
		defer s.mu.Unlock()
		return nil, fmt.Errorf("%w: no active session", domain.ErrInvalidState)
	}
	sessionID := s.current
	slot := s.slot
	latest := s.latest
	s.mu.Unlock()

	delta := domain.FrameCounters{Submitted: 1}
	select {
	case slot <- frame:
	default:
		// Replace the waiting frame; the newest one wins.
		select {
		case <-slot:
			delta.Dropped++
		default:
		}
		select {
		case slot <- frame:
		default:
			delta.Dropped++
		}
	}
	if delta.Dropped > 0 && s.metrics != nil {
		s.metrics.FramesDropped.WithLabelValues("slot").Inc()
	}
	_ = s.sessions.AddFrameCounts(context.Background(), sessionID, delta)
	return latest, nil
}

// Latest returns the most recent completed detection set for the session.
func (s *DetectionService) Latest() []domain.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// CurrentSession returns the active session id, or "" when none runs.
func (s *DetectionService) CurrentSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// EndSession stops the loop and closes the session record. The error message,
// if any, is stored on the record. Safe to call concurrently: exactly one
// caller tears the session down, every other racer gets ErrInvalidState.
func (s *DetectionService) EndSession(ctx context.Context, cause error) error {
	s.mu.Lock()
	if s.current == "" {
		defer s.mu.Unlock()
		return fmt.Errorf("%w: no active session", domain.ErrInvalidState)
	}
	sessionID := s.current
	quit, done := s.quit, s.done
	// Claim the teardown while still holding the lock so a racing EndSession
	// sees no active session and never reaches the close below.
	s.current = ""
	s.mode = ""
	s.slot = nil
	s.quit = nil
	s.done = nil
	s.mu.Unlock()

	close(quit)
	<-done

	var errMsg *string
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg
	}
	err := s.sessions.SetClosed(ctx, sessionID, time.Now(), errMsg)
	s.log.Info().Str("session", sessionID).Msg("session ended")
	return err
}

func (s *DetectionService) reset() {
	s.mu.Lock()
	s.current = ""
	s.mode = ""
	s.slot = nil
	s.quit = nil
	s.done = nil
	s.mu.Unlock()
}

// loop serializes inference: one frame in flight, results land in the latest
// cache and fan out to the publisher.
func (s *DetectionService) loop(sessionID, mode string, slot chan domain.Frame, quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case frame := <-slot:
			s.process(sessionID, mode, frame)
		}
	}
}

func (s *DetectionService) process(sessionID, mode string, frame domain.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), s.frameTimeout)
	dets, err := s.detector.SubmitFrame(ctx, frame)
	cancel()

	delta := domain.FrameCounters{}
	switch {
	case errors.Is(err, domain.ErrBusy):
		// The detector still had the previous frame in flight; skip this one.
		delta.Skipped = 1
	case err != nil:
		delta.Skipped = 1
		s.log.Warn().Err(err).Str("session", sessionID).Msg("frame processing failed")
	default:
		delta.Detected = 1
		s.mu.Lock()
		s.latest = dets
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.FramesTotal.WithLabelValues(mode, "processed").Inc()
		}
		if s.pub != nil {
			s.pub.PublishDetections(sessionID, dets)
		}
	}
	_ = s.sessions.AddFrameCounts(context.Background(), sessionID, delta)
}
