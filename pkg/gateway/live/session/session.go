package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/upstream"
)

const (
	minPriorityQueueSize = 32
	maxPriorityQueueSize = 4096
)

var (
	errBackpressure  = errors.New("outbound backpressure")
	errInboundClosed = errors.New("inbound connection closed")

	// ErrEmptyTurn is returned by translate when a frame carries no parts.
	ErrEmptyTurn = errors.New("empty turn")
)

type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

type Config struct {
	MaxMessageBytes     int64
	MaxFramesPerSecond  int
	MaxBytesPerSecond   int64
	InboundBurstSeconds int
	OutboundQueueSize   int
	BackpressureTimeout time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	InitAttempts        int
	InitBackoff         time.Duration
	InitialPrompt       string
}

// WSConn is the subset of *websocket.Conn used by a session.
type WSConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
}

type Dependencies struct {
	Conn      WSConn
	Dialer    upstream.Dialer
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	SessionID string
	RequestID string
	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

// LiveSession relays one client socket to one upstream Live session.
type LiveSession struct {
	conn      WSConn
	dialer    upstream.Dialer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sessionID string
	requestID string
	cfg       Config
	startTime time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	inboundClosed atomic.Bool

	mu        sync.Mutex
	state     State
	lastState State
	upstream  upstream.Session
}

type outboundFrame struct {
	textPayload []byte
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.BackpressureTimeout <= 0 {
		deps.Config.BackpressureTimeout = 2 * time.Second
	}
	if deps.Config.InitAttempts <= 0 {
		deps.Config.InitAttempts = 1
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = deps.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		dialer:           deps.Dialer,
		logger:           deps.Logger,
		metrics:          deps.Metrics,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, priorityQueueSize(deps.Config)),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		state:            StateInitializing,
	}, nil
}

// priorityQueueSize holds one error frame for every inbound frame the limiter
// can admit in a single burst, so a client that fires its whole budget before
// the upstream is ready gets one not-ready error per frame.
func priorityQueueSize(cfg Config) int {
	if cfg.MaxFramesPerSecond <= 0 {
		return minPriorityQueueSize
	}
	burst := max(cfg.InboundBurstSeconds, 1)
	return min(max(cfg.MaxFramesPerSecond*burst, minPriorityQueueSize), maxPriorityQueueSize)
}

// Run serves the connection until the client goes away or the session is
// canceled. The upstream session is dialed in the background; frames that
// arrive before it is bound are answered with a not-ready error.
func (s *LiveSession) Run() error {
	defer s.cancel()

	s.metrics.RecordSessionStart()
	defer func() {
		s.metrics.RecordSessionEnd(string(s.finalState()), s.now().Sub(s.startTime))
	}()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	g, ctx := errgroup.WithContext(s.ctx)

	g.Go(func() error {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
			closed:   s.inboundClosed.Load,
		}
		return w.Run()
	})
	g.Go(func() error {
		<-ctx.Done()
		s.teardown()
		return nil
	})
	g.Go(func() error {
		s.runUpstream(ctx)
		return nil
	})
	g.Go(func() error {
		return s.readLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, errInboundClosed) {
		return nil
	}
	return err
}

// Cancel stops the session. Queued error frames are flushed before the socket
// is closed.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Notify sends an error frame carrying message to the client.
func (s *LiveSession) Notify(message string) error {
	if s == nil {
		return nil
	}
	return s.sendError("notice", protocol.ErrorFrame{Error: message})
}

func (s *LiveSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *LiveSession) finalState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastState != "" {
		return s.lastState
	}
	return s.state
}

func (s *LiveSession) boundSession() upstream.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// bind publishes sess unless the session already closed. It reports whether
// the caller still owns sess.
func (s *LiveSession) bind(sess upstream.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.upstream = sess
	s.state = StateReady
	return true
}

// unbind clears the binding if sess is still the bound session and moves the
// connection to degraded. Later client frames take the not-ready path.
func (s *LiveSession) unbind(sess upstream.Session) {
	s.mu.Lock()
	if s.upstream != sess {
		s.mu.Unlock()
		return
	}
	s.upstream = nil
	if s.state != StateClosed {
		s.state = StateDegraded
	}
	s.mu.Unlock()
	_ = sess.Close()
}

func (s *LiveSession) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = state
	}
}

func (s *LiveSession) teardown() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.lastState = s.state
	s.state = StateClosed
	sess := s.upstream
	s.upstream = nil
	s.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			s.logger.Debug("upstream close failed", "session_id", s.sessionID, "error", err)
		}
	}
}

func (s *LiveSession) runUpstream(ctx context.Context) {
	sess, err := s.initUpstream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateDegraded)
		s.logger.Error("upstream init failed", "session_id", s.sessionID, "request_id", s.requestID, "error", err)
		_ = s.sendError("init_failed", protocol.InitFailed(err))
		return
	}
	if !s.bind(sess) {
		_ = sess.Close()
		return
	}
	s.logger.Info("upstream session ready", "session_id", s.sessionID, "request_id", s.requestID)
	s.pump(ctx, sess)
}

// initUpstream dials the upstream session, retrying up to InitAttempts times,
// and sends the initial prompt before the session is handed back.
func (s *LiveSession) initUpstream(ctx context.Context) (upstream.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.InitAttempts; attempt++ {
		if attempt > 1 && s.cfg.InitBackoff > 0 {
			timer := time.NewTimer(time.Duration(attempt-1) * s.cfg.InitBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		started := s.now()
		sess, err := s.dialOnce(ctx)
		if err == nil {
			s.metrics.RecordUpstreamInit("ok", s.now().Sub(started))
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.metrics.RecordUpstreamInit("error", s.now().Sub(started))
		lastErr = err
		if attempt < s.cfg.InitAttempts {
			s.logger.Warn("upstream init attempt failed", "session_id", s.sessionID, "attempt", attempt, "error", err)
		}
	}
	return nil, lastErr
}

func (s *LiveSession) dialOnce(ctx context.Context) (upstream.Session, error) {
	sess, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if s.cfg.InitialPrompt == "" {
		return sess, nil
	}
	if err := sess.SendTurn([]*genai.Part{upstream.TextPart(s.cfg.InitialPrompt)}); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("send initial prompt: %w", err)
	}
	return sess, nil
}

// pump forwards upstream messages to the client in arrival order.
func (s *LiveSession) pump(ctx context.Context, sess upstream.Session) {
	for {
		msg, err := sess.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.unbind(sess)
			if upstream.IsClose(err) {
				code, reason := upstream.CloseDetail(err)
				s.logger.Info("upstream session closed", "session_id", s.sessionID, "code", code, "reason", reason)
				return
			}
			s.logger.Error("upstream session error", "session_id", s.sessionID, "error", err)
			s.sendErrorInOrder(ctx, "session_error", protocol.SessionError(err))
			return
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			s.logger.Warn("dropping unencodable upstream message", "session_id", s.sessionID, "error", err)
			continue
		}
		switch err := s.enqueueNormal(ctx, outboundFrame{textPayload: payload}); {
		case err == nil:
			s.metrics.RecordFrame("outbound", "upstream", len(payload))
		case errors.Is(err, errBackpressure):
			s.metrics.RecordDroppedFrame("backpressure")
			s.logger.Warn("dropping upstream message, client is not draining", "session_id", s.sessionID, "bytes", len(payload))
		default:
			return
		}
	}
}

func (s *LiveSession) readLoop(ctx context.Context) error {
	limiter := newInboundLimiter(s.now, s.cfg.MaxFramesPerSecond, s.cfg.MaxBytesPerSecond, s.cfg.InboundBurstSeconds)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.inboundClosed.Store(true)
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				s.logger.Info("client disconnected", "session_id", s.sessionID, "request_id", s.requestID)
			default:
				s.logger.Warn("client connection error", "session_id", s.sessionID, "request_id", s.requestID, "error", err)
			}
			return errInboundClosed
		}
		s.logger.Debug("client frame", "session_id", s.sessionID, "binary", messageType == websocket.BinaryMessage, "bytes", len(data))
		s.handleFrame(data, limiter)
	}
}

// handleFrame treats text and binary frames alike: both carry JSON.
func (s *LiveSession) handleFrame(data []byte, limiter *inboundLimiter) {
	if !limiter.Allow(len(data)) {
		s.metrics.RecordRateLimitHit("inbound_frames")
		_ = s.sendError("rate_limited", protocol.RateLimited())
		return
	}

	sess := s.boundSession()
	if sess == nil {
		_ = s.sendError("not_ready", protocol.NotReady())
		return
	}

	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		_ = s.sendError("invalid_format", protocol.InvalidFormat(err))
		return
	}
	parts, err := translate(frame)
	if errors.Is(err, ErrEmptyTurn) {
		return
	}
	if err != nil {
		_ = s.sendError("invalid_format", protocol.InvalidFormat(err))
		return
	}
	if err := sess.SendTurn(parts); err != nil {
		s.logger.Warn("upstream send failed", "session_id", s.sessionID, "error", err)
		_ = s.sendError("send_failed", protocol.SendFailed(err))
		return
	}
	s.metrics.RecordFrame("inbound", "turn", len(data))
}

// translate maps a client frame onto turn parts ordered text, audio, video.
func translate(frame protocol.ClientFrame) ([]*genai.Part, error) {
	if frame.Empty() {
		return nil, ErrEmptyTurn
	}
	parts := make([]*genai.Part, 0, 3)
	if frame.Text != "" {
		parts = append(parts, upstream.TextPart(frame.Text))
	}
	for _, media := range []struct {
		name string
		m    *protocol.InlineMedia
	}{{"audio", frame.Audio}, {"video", frame.Video}} {
		if media.m == nil {
			continue
		}
		data, err := media.m.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", media.name, err)
		}
		parts = append(parts, upstream.BlobPart(media.m.MIMEType, data))
	}
	return parts, nil
}

func (s *LiveSession) sendError(kind string, frame protocol.ErrorFrame) error {
	if s.inboundClosed.Load() {
		return nil
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.metrics.RecordError(kind)
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

// sendErrorInOrder queues an error behind the upstream messages already
// waiting in the normal queue. It falls back to the priority queue only when
// the normal queue stays full past BackpressureTimeout.
func (s *LiveSession) sendErrorInOrder(ctx context.Context, kind string, frame protocol.ErrorFrame) {
	if s.inboundClosed.Load() {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.metrics.RecordError(kind)
	err = s.enqueueNormal(ctx, outboundFrame{textPayload: payload})
	if errors.Is(err, errBackpressure) {
		_ = s.enqueuePriority(outboundFrame{textPayload: payload})
	}
}

// enqueueNormal waits up to BackpressureTimeout for queue space.
func (s *LiveSession) enqueueNormal(ctx context.Context, frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.BackpressureTimeout)
	defer timer.Stop()
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-timer.C:
		return errBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}
