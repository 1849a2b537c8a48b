// Package remote delegates detection to a server over a persistent WebSocket.
// It exposes the same "submit frame → detections" contract as the local
// inference path: submissions are fire-and-forget, and callers only ever see
// the latest delivered detection set.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"avmed-detection/internal/domain"
	"avmed-detection/internal/infrastructure/observability"
	"avmed-detection/pkg/shared/id"
	"avmed-detection/pkg/shared/redact"
)

const (
	// DefaultMinFrameInterval throttles outbound frames to 5fps; faster
	// submissions coalesce to the cached result instead of hitting the wire.
	DefaultMinFrameInterval = 200 * time.Millisecond
	// DefaultReconnectBackoff is the fixed delay between reconnect attempts.
	DefaultReconnectBackoff = 3 * time.Second
	// DefaultMaxReconnects caps consecutive failed attempts; after that the
	// client stays in the error state until manually retried.
	DefaultMaxReconnects = 5

	defaultHandshakeTimeout = 10 * time.Second
	defaultAckTimeout       = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultJPEGQuality      = 75
)

// SessionConfig describes one remote detection engagement.
type SessionConfig struct {
	SessionID       string
	PatientCode     string
	ShouldRecord    bool
	Width           int
	Height          int
	FramesPerSecond int
}

// Options tunes the client. Zero values take the defaults above.
type Options struct {
	MinFrameInterval time.Duration
	ReconnectBackoff time.Duration
	MaxReconnects    int
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	ReadTimeout      time.Duration
	JPEGQuality      int

	// OnUpdate is invoked with the full replacement detection set each time
	// a detection message lands. Called from the read loop; keep it fast.
	OnUpdate func([]domain.Detection)
}

func (o Options) withDefaults() Options {
	if o.MinFrameInterval <= 0 {
		o.MinFrameInterval = DefaultMinFrameInterval
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = defaultJPEGQuality
	}
	return o
}

// Client is the remote detection path plus its session manager. All methods
// are safe for concurrent use; socket reads run on one goroutine per
// connection and timers drive reconnection.
type Client struct {
	log     zerolog.Logger
	metrics *observability.Metrics
	opts    Options
	dialer  websocket.Dialer

	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            int // connection generation, stale read loops are ignored
	url            string
	sess           SessionConfig
	sessionActive  bool
	attempts       int
	reconnectTimer *time.Timer
	lastSent       time.Time
	cached         []domain.Detection
	lastServerErr  error
	ackCh          chan Message
}

func NewClient(log *zerolog.Logger, metrics *observability.Metrics, opts Options) *Client {
	o := opts.withDefaults()
	return &Client{
		log:     observability.Component(log, "remote"),
		metrics: metrics,
		opts:    o,
		dialer:  websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout},
		state:   StateDisconnected,
	}
}

// State reports the current session-machine state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastServerError returns the most recent error surfaced by the server, or
// the terminal reconnect error once the attempt budget is spent. A server
// error never tears the connection down.
func (c *Client) LastServerError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastServerErr
}

// Connect opens the socket. A manual call resets the reconnect budget; on
// failure the client enters the reconnecting chain (fixed backoff, capped
// attempts) on its own.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if !canTransition(c.state, StateConnecting) {
		defer c.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", domain.ErrInvalidState, c.state)
	}
	c.cancelReconnectLocked()
	c.url = url
	c.attempts = 0
	c.mu.Unlock()

	return c.dial(ctx)
}

// dial performs one connection attempt, shared by Connect and the reconnect
// timer.
func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	c.setStateLocked(StateConnecting)
	url := c.url
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("connect failed")
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.log.Info().Str("url", url).Msg("connected to detection server")

	go c.readLoop(conn, gen)
	return nil
}

// InitializeSession is valid only from connected. A non-success ack fails the
// call while the socket stays connected; the caller decides retry vs abort.
func (c *Client) InitializeSession(ctx context.Context, cfg SessionConfig) error {
	if cfg.SessionID == "" {
		cfg.SessionID = id.New()
	}

	c.mu.Lock()
	if c.state != StateConnected {
		defer c.mu.Unlock()
		return fmt.Errorf("%w: initializeSession from %s", domain.ErrInvalidState, c.state)
	}
	ack := make(chan Message, 1)
	c.ackCh = ack
	conn := c.conn
	c.mu.Unlock()

	err := c.writeJSON(conn, Message{Type: TypeInit, Payload: marshal(initPayload{
		SessionID:   cfg.SessionID,
		PatientCode: cfg.PatientCode,
		Params: initParams{
			ShouldRecord:    cfg.ShouldRecord,
			Width:           cfg.Width,
			Height:          cfg.Height,
			FramesPerSecond: cfg.FramesPerSecond,
		},
	})})
	if err != nil {
		c.clearAck()
		return err
	}
	c.countWire("out", TypeInit)

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case msg := <-ack:
		c.clearAck()
		if msg.AckStatus() != "success" {
			c.log.Warn().Str("status", msg.AckStatus()).Msg("session init rejected")
			return fmt.Errorf("%w: status %q", domain.ErrSessionInit, msg.AckStatus())
		}
	case <-timer.C:
		c.clearAck()
		return fmt.Errorf("%w: ack timeout", domain.ErrSessionInit)
	case <-ctx.Done():
		c.clearAck()
		return ctx.Err()
	}

	c.mu.Lock()
	c.sess = cfg
	c.sessionActive = true
	c.setStateLocked(StateSessionInitialized)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveSessions.Inc()
	}
	c.log.Info().Str("session", cfg.SessionID).Str("patient", redact.Code(cfg.PatientCode)).
		Int("fps", cfg.FramesPerSecond).Msg("session initialized")
	return nil
}

// SubmitFrame encodes and sends one frame, fire-and-forget, and returns the
// latest delivered detection set. Submissions faster than the minimum
// interval skip the wire entirely and return the cached set — client-side
// backpressure, not server-acked.
func (c *Client) SubmitFrame(frame domain.Frame) ([]domain.Detection, error) {
	c.mu.Lock()
	if c.state != StateSessionInitialized {
		defer c.mu.Unlock()
		return nil, fmt.Errorf("%w: submitFrame from %s", domain.ErrInvalidState, c.state)
	}
	now := time.Now()
	if now.Sub(c.lastSent) < c.opts.MinFrameInterval {
		cached := c.cached
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.FramesDropped.WithLabelValues("throttle").Inc()
		}
		return cached, nil
	}
	c.lastSent = now
	conn := c.conn
	cached := c.cached
	c.mu.Unlock()

	encoded, err := encodeFrame(frame, c.opts.JPEGQuality)
	if err != nil {
		return cached, err
	}
	if err := c.writeJSON(conn, Message{Type: TypeFrame, Payload: marshal(framePayload{B64Frame: encoded})}); err != nil {
		return cached, err
	}
	c.countWire("out", TypeFrame)
	if c.metrics != nil {
		c.metrics.FramesTotal.WithLabelValues("remote", "sent").Inc()
	}
	return cached, nil
}

// EndSession sends end and returns to connected; the socket stays reusable
// for a new session.
func (c *Client) EndSession() error {
	c.mu.Lock()
	if c.state != StateSessionInitialized {
		defer c.mu.Unlock()
		return fmt.Errorf("%w: endSession from %s", domain.ErrInvalidState, c.state)
	}
	conn := c.conn
	session := c.sess.SessionID
	c.sessionActive = false
	// The cache belongs to the ended session; a new session on this socket
	// must never see its predecessor's detections.
	c.cached = nil
	c.lastSent = time.Time{}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	err := c.writeJSON(conn, Message{Type: TypeEnd})
	if err == nil {
		c.countWire("out", TypeEnd)
	}
	if c.metrics != nil {
		c.metrics.ActiveSessions.Dec()
	}
	c.log.Info().Str("session", session).Msg("session ended")
	return err
}

// Disconnect is legal from any state: closes the socket, cancels all timers
// and disables auto-reconnect until the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelReconnectLocked()
	if c.sessionActive && c.metrics != nil {
		c.metrics.ActiveSessions.Dec()
	}
	c.sessionActive = false
	conn := c.conn
	c.conn = nil
	c.gen++ // orphan the read loop so its exit is not treated as a drop
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.log.Info().Msg("disconnected")
}

// Detections returns the latest delivered detection set.
func (c *Client) Detections() []domain.Detection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// readLoop consumes inbound messages for one connection generation.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("unparseable server message")
			continue
		}
		c.countWire("in", msg.Type)

		switch msg.Type {
		case TypeDetection:
			c.handleDetection(msg)
		case TypeError:
			var p errorPayload
			_ = json.Unmarshal(msg.Payload, &p)
			err := &domain.ServerError{Message: p.Error, Details: p.Details}
			c.mu.Lock()
			c.lastServerErr = err
			c.mu.Unlock()
			c.log.Warn().Err(err).Msg("server reported error")
		case TypeHeartbeat:
			// Echo keeps intermediaries from idling the socket out.
			_ = c.writeJSON(conn, Message{Type: TypeHeartbeat})
		default:
			// Anything else while an init ack is awaited is the ack.
			c.mu.Lock()
			ack := c.ackCh
			c.mu.Unlock()
			if ack != nil {
				select {
				case ack <- msg:
				default:
				}
			}
		}
	}
}

// handleDetection replaces the cached result set. Each detection message is
// a full replacement, never a patch.
func (c *Client) handleDetection(msg Message) {
	var p detectionPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.log.Warn().Err(err).Msg("bad detection payload")
		return
	}
	dets := p.detections()

	c.mu.Lock()
	c.cached = dets
	onUpdate := c.opts.OnUpdate
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.DetectionsTotal.Add(float64(len(dets)))
	}
	if onUpdate != nil {
		onUpdate(dets)
	}
}

// handleDrop runs when a connection's read loop dies. Stale generations
// (already replaced or manually disconnected) are ignored.
func (c *Client) handleDrop(conn *websocket.Conn, gen int, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateDisconnected {
		return
	}
	c.log.Warn().Err(cause).Msg("connection dropped")
	c.conn = nil
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked advances the reconnect chain: fixed backoff between
// attempts, hard stop in the error state once the budget is spent. Caller
// holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts >= c.opts.MaxReconnects {
		c.setStateLocked(StateError)
		c.lastServerErr = fmt.Errorf("%w: %d attempts", domain.ErrRetriesExhausted, c.attempts)
		c.log.Error().Int("attempts", c.attempts).Msg("reconnect attempts exhausted")
		return
	}
	c.setStateLocked(StateReconnecting)
	if c.metrics != nil {
		c.metrics.ReconnectsTotal.Inc()
	}
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectBackoff, c.redial)
}

// redial is the reconnect timer body: one dial attempt, then session re-init
// when one was active (the server may allow re-init under the same id).
func (c *Client) redial() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	resume := c.sessionActive
	sess := c.sess
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		return // dial already advanced the chain
	}
	if resume {
		c.mu.Lock()
		c.sessionActive = false
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ActiveSessions.Dec()
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout)
		defer cancel()
		if err := c.InitializeSession(ctx, sess); err != nil {
			c.log.Warn().Err(err).Str("session", sess.SessionID).Msg("session re-init failed after reconnect")
		}
	}
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) setStateLocked(to State) {
	if c.state == to {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", to.String()).Msg("state transition")
	c.state = to
}

func (c *Client) clearAck() {
	c.mu.Lock()
	c.ackCh = nil
	c.mu.Unlock()
}

func (c *Client) writeJSON(conn *websocket.Conn, msg Message) error {
	if conn == nil {
		return domain.ErrConnectionClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	// Frames are bulk payloads; everything else is traced, masked.
	if msg.Type != TypeFrame && c.log.GetLevel() <= zerolog.DebugLevel {
		c.log.Debug().Str("type", msg.Type).Str("msg", redact.JSON(string(data))).Msg("send")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}
	return nil
}

func (c *Client) countWire(direction, msgType string) {
	if c.metrics != nil {
		c.metrics.WireMessagesTotal.WithLabelValues(direction, msgType).Inc()
	}
}

// encodeFrame compresses a frame to base64 JPEG for the wire.
func encodeFrame(frame domain.Frame, quality int) (string, error) {
	if !frame.Valid() {
		return "", domain.ErrInvalidFrame
	}
	img := &image.RGBA{
		Pix:    frame.Pixels,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func marshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
