// Package client consumes the frame stream served by a relay.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/canrelay/internal/can"
	"github.com/danmuck/canrelay/internal/logging"
	"github.com/danmuck/canrelay/internal/protocol/wire"
	"github.com/danmuck/canrelay/internal/transport"
)

var ErrAddressRequired = errors.New("client: relay address required")

type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the wait for each frame, 0 waits forever.
	ReadTimeout        time.Duration
	Backoff            transport.BackoffConfig
	MaxConnectAttempts int
	TLS                transport.TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   3 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Backoff:          transport.DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

type Client struct {
	cfg    Config
	rng    *rand.Rand
	logger zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if err := cfg.TLS.ValidateClient(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logging.Component("client"),
	}, nil
}

// Dial connects to the relay, retrying with backoff until it succeeds, the
// attempt limit is reached, or ctx ends.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			c.logger.Info().Str("addr", c.cfg.Address).Int("attempt", attempt).Msg("connected")
			return newStream(conn, c.cfg.ReadTimeout), nil
		}
		c.logger.Warn().Err(err).Str("addr", c.cfg.Address).Int("attempt", attempt).Msg("dial failed")
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.TLS.ClientConfig(c.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := transport.NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stream reads frames from one relay connection.
type Stream struct {
	conn        net.Conn
	r           *bufio.Reader
	readTimeout time.Duration
}

func newStream(conn net.Conn, readTimeout time.Duration) *Stream {
	return &Stream{
		conn:        conn,
		r:           bufio.NewReaderSize(conn, 4096),
		readTimeout: readTimeout,
	}
}

// Next blocks for the next frame. It returns io.EOF when the relay closes
// the connection between frames.
func (s *Stream) Next() (can.Frame, error) {
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return can.Frame{}, err
		}
	}
	return wire.ReadFrame(s.r)
}

func (s *Stream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *Stream) Close() error {
	return s.conn.Close()
}
