package relay

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/canrelay/internal/can"
	"github.com/danmuck/canrelay/internal/observability"
	"github.com/danmuck/canrelay/internal/protocol/wire"
	"github.com/danmuck/canrelay/internal/transport"
)

// SessionInfo is a point-in-time view of one connected client.
type SessionInfo struct {
	ID          uint64    `json:"id"`
	Remote      string    `json:"remote"`
	Peer        string    `json:"peer,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	FramesSent  uint64    `json:"frames_sent"`
	BytesSent   uint64    `json:"bytes_sent"`
	Dropped     uint64    `json:"dropped"`
}

type session struct {
	id          uint64
	conn        net.Conn
	remote      string
	peer        string
	connectedAt time.Time

	// queue is only set in broadcast mode.
	queue    chan can.Frame
	peerGone chan struct{}
	buf      []byte

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
	dropped    atomic.Uint64
}

func newSession(id uint64, conn net.Conn, queueDepth int) *session {
	sess := &session{
		id:          id,
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		peerGone:    make(chan struct{}),
		buf:         make([]byte, 0, wire.MaxFrameLen),
	}
	if queueDepth > 0 {
		sess.queue = make(chan can.Frame, queueDepth)
	}
	return sess
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		Remote:      s.remote,
		Peer:        s.peer,
		ConnectedAt: s.connectedAt,
		FramesSent:  s.framesSent.Load(),
		BytesSent:   s.bytesSent.Load(),
		Dropped:     s.dropped.Load(),
	}
}

// handshake completes a TLS handshake when the connection carries one and
// records the verified client identity.
func (s *session) handshake(timeout time.Duration) error {
	tlsConn, ok := s.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	_ = tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	s.peer = transport.PeerIdentity(tlsConn.ConnectionState())
	return nil
}

// watchPeer drains anything the client sends and signals once the read
// side ends. Clients never send data, so this only observes disconnects.
func (s *session) watchPeer() {
	defer close(s.peerGone)
	_, _ = io.Copy(io.Discard, s.conn)
}

// offer queues f without blocking. It reports false when the queue is full.
func (s *session) offer(f can.Frame) bool {
	select {
	case s.queue <- f:
		return true
	default:
		s.dropped.Add(1)
		observability.RecordFrameDropped()
		return false
	}
}

// send writes one encoded frame, bounded by timeout.
func (s *session) send(f can.Frame, timeout time.Duration) error {
	var err error
	s.buf, err = wire.AppendFrame(s.buf[:0], f)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	n, err := s.conn.Write(s.buf)
	if err != nil {
		return err
	}
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(n))
	observability.RecordFrameSent(n)
	return nil
}

// pump forwards frames from src to the client until the context ends, the
// peer goes away or a write fails. The returned outcome labels the end of
// the session.
func (s *session) pump(ctx context.Context, src <-chan can.Frame, writeTimeout time.Duration) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return observability.OutcomeShutdown, nil
		case <-s.peerGone:
			return observability.OutcomePeerClosed, nil
		case f := <-src:
			if err := s.send(f, writeTimeout); err != nil {
				return observability.OutcomeWriteFailed, err
			}
		}
	}
}
