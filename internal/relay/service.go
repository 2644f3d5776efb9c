// Package relay serves frames read from a CAN bus to TCP clients.
//
// One reader goroutine owns the bus. Each accepted connection becomes a
// session that receives encoded frames until it fails, its peer hangs up,
// or the service shuts down. A session failure never reaches the bus or
// the other sessions; a bus failure stops the whole service.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/can"
	"github.com/danmuck/canrelay/internal/logging"
	"github.com/danmuck/canrelay/internal/observability"
	"github.com/danmuck/canrelay/internal/transport"
)

var ErrBusFailure = errors.New("relay: bus failure")

const handshakeTimeout = 5 * time.Second

// acceptBackoff spaces out retries after Accept errors such as EMFILE.
var acceptBackoff = transport.BackoffConfig{
	InitialDelay: 5 * time.Millisecond,
	Multiplier:   2.0,
	MaxDelay:     time.Second,
}

// FrameSink receives a copy of every frame read from the bus.
type FrameSink interface {
	Append(can.Frame) error
}

type Option func(*Service)

// WithCapture tees every received frame into sink. Sink errors are logged
// once and the sink is dropped; relaying continues.
func WithCapture(sink FrameSink) Option {
	return func(s *Service) {
		s.capture = sink
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

type Service struct {
	cfg     Config
	bus     bus.Bus
	capture FrameSink
	logger  zerolog.Logger

	shared chan can.Frame

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	sessionsMu sync.Mutex
	sessions   map[uint64]*session
	nextID     atomic.Uint64
	active     atomic.Int64
	exclusive  atomic.Bool
	wg         sync.WaitGroup

	reading       atomic.Bool
	received      atomic.Uint64
	unclaimed     atomic.Uint64
	writeFailures atomic.Uint64
}

func NewService(cfg Config, b bus.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.WithDefaults(),
		bus:      b,
		logger:   logging.Component("relay"),
		shared:   make(chan can.Frame),
		conns:    make(map[net.Conn]struct{}),
		sessions: make(map[uint64]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Config() Config {
	return s.cfg
}

// Run listens on the configured address and serves until ctx ends or the
// bus fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("mode", string(s.cfg.Mode)).
		Int("backlog", s.cfg.Backlog).
		Bool("tls", s.cfg.TLS.Enabled).
		Msg("relay listening")
	return s.Serve(ctx, ln)
}

// Listen builds the TCP listener, wrapped in TLS when enabled.
func (s *Service) Listen() (net.Listener, error) {
	ln, err := listenTCP(s.cfg.ListenAddr, s.cfg.Backlog)
	if err != nil {
		return nil, err
	}
	if !s.cfg.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := s.cfg.TLS.ServerConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Serve runs the bus reader and the accept loop on ln. It returns nil after
// ctx is cancelled and an error wrapping ErrBusFailure when the bus fails.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if s.bus == nil {
		_ = ln.Close()
		return fmt.Errorf("%w: no bus", ErrBusFailure)
	}
	if err := s.cfg.Validate(); err != nil {
		_ = ln.Close()
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	err := g.Wait()
	s.closeAllConns()
	s.wg.Wait()
	return err
}

// Ready reports whether the bus reader is running.
func (s *Service) Ready() bool {
	return s.reading.Load()
}

// Sessions returns the connected sessions ordered by id.
func (s *Service) Sessions() []SessionInfo {
	s.sessionsMu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info())
	}
	s.sessionsMu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Stats holds reader counters since start.
type Stats struct {
	Mode      Mode   `json:"mode"`
	Ready     bool   `json:"ready"`
	Sessions  int    `json:"sessions"`
	Received  uint64 `json:"received"`
	Unclaimed uint64 `json:"unclaimed"`
	// WriteFailures counts sessions ended by a failed or timed out write.
	WriteFailures uint64 `json:"write_failures"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Mode:      s.cfg.Mode,
		Ready:     s.Ready(),
		Sessions:  int(s.active.Load()),
		Received:  s.received.Load(),
		Unclaimed: s.unclaimed.Load(),

		WriteFailures: s.writeFailures.Load(),
	}
}

func (s *Service) readLoop(ctx context.Context) error {
	s.reading.Store(true)
	defer s.reading.Store(false)
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, ok, err := s.bus.Receive(s.cfg.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Msg("bus receive failed")
			return fmt.Errorf("%w: %w", ErrBusFailure, err)
		}
		if !ok {
			observability.RecordBusTimeout()
			continue
		}
		s.received.Add(1)
		observability.RecordBusFrame()
		s.record(f)
		s.dispatch(ctx, f)
	}
}

func (s *Service) record(f can.Frame) {
	if s.capture == nil {
		return
	}
	if err := s.capture.Append(f); err != nil {
		s.logger.Error().Err(err).Msg("capture failed, recording stopped")
		s.capture = nil
	}
}

func (s *Service) dispatch(ctx context.Context, f can.Frame) {
	if s.cfg.Mode == ModeBroadcast {
		s.broadcast(f)
		return
	}
	s.handoff(ctx, f)
}

// handoff gives f to whichever session is waiting first. Frames read while
// no session is connected are discarded.
func (s *Service) handoff(ctx context.Context, f can.Frame) {
	timer := time.NewTimer(s.cfg.ReceiveTimeout)
	defer timer.Stop()
	for {
		if s.active.Load() == 0 {
			s.unclaimed.Add(1)
			return
		}
		select {
		case s.shared <- f:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(s.cfg.ReceiveTimeout)
		}
	}
}

func (s *Service) broadcast(f can.Frame) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if len(s.sessions) == 0 {
		s.unclaimed.Add(1)
		return
	}
	for _, sess := range s.sessions {
		if !sess.offer(f) {
			s.logger.Debug().Uint64("session", sess.id).Msg("session queue full, frame dropped")
		}
	}
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	failures := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			delay := transport.NextBackoffDelay(acceptBackoff, failures, nil)
			s.logger.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		s.trackConn(conn)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.untrackConn(conn)

	remote := conn.RemoteAddr().String()
	claimed := false
	if s.cfg.Mode == ModeExclusive {
		if !s.exclusive.CompareAndSwap(false, true) {
			observability.SessionRejected()
			s.logger.Warn().Str("remote", remote).Msg("session rejected, exclusive session active")
			return
		}
		claimed = true
	}
	release := func() {
		if claimed {
			claimed = false
			s.exclusive.Store(false)
		}
	}
	defer release()

	depth := 0
	if s.cfg.Mode == ModeBroadcast {
		depth = s.cfg.QueueDepth
	}
	sess := newSession(s.nextID.Add(1), conn, depth)
	if err := sess.handshake(handshakeTimeout); err != nil {
		s.logger.Warn().Err(err).Str("remote", remote).Msg("tls handshake failed")
		return
	}
	go sess.watchPeer()

	s.addSession(sess)
	observability.SessionOpened()
	s.logger.Info().
		Uint64("session", sess.id).
		Str("remote", remote).
		Str("peer", sess.peer).
		Int64("active", s.active.Load()).
		Msg("session connected")

	src := s.shared
	if sess.queue != nil {
		src = sess.queue
	}
	outcome, err := sess.pump(ctx, src, s.cfg.WriteTimeout)

	release()
	s.removeSession(sess)
	if outcome == observability.OutcomeWriteFailed {
		s.writeFailures.Add(1)
	}
	observability.SessionClosed(outcome)
	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).Err(err).
		Uint64("session", sess.id).
		Str("remote", remote).
		Str("outcome", outcome).
		Uint64("frames", sess.framesSent.Load()).
		Uint64("dropped", sess.dropped.Load()).
		Int64("active", s.active.Load()).
		Msg("session closed")
}

func (s *Service) addSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.id] = sess
	s.active.Add(1)
}

func (s *Service) removeSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if _, ok := s.sessions[sess.id]; ok {
		delete(s.sessions, sess.id)
		s.active.Add(-1)
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
