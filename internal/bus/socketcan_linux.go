//go:build linux

package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/canrelay/internal/can"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// size of struct can_frame
const canFrameLen = 16

// SocketCAN is a raw CAN_RAW socket bound to one interface.
type SocketCAN struct {
	iface  string
	logger zerolog.Logger

	mu     sync.RWMutex
	fd     int
	closed bool

	rxMu      sync.Mutex
	rxTimeout time.Duration
	txMu      sync.Mutex
	txTimeout time.Duration
}

func OpenSocketCAN(ifname string, loopback bool) (*SocketCAN, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("socketcan interface %q: %w", ifname, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan socket: %w", err)
	}
	lb := 0
	if loopback {
		lb = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, lb); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan loopback: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan bind %q: %w", ifname, err)
	}
	s := &SocketCAN{
		iface:  ifname,
		fd:     fd,
		logger: log.With().Str("component", "bus.socketcan").Str("iface", ifname).Logger(),
	}
	s.logger.Info().Int("ifindex", iface.Index).Msg("socketcan bound")
	return s, nil
}

// Receive blocks for at most timeout. Closing the bus takes effect once
// an in-flight receive returns.
func (s *SocketCAN) Receive(timeout time.Duration) (can.Frame, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return can.Frame{}, false, ErrClosed
	}
	if err := s.setTimeout(&s.rxMu, &s.rxTimeout, unix.SO_RCVTIMEO, timeout); err != nil {
		return can.Frame{}, false, err
	}

	var raw [canFrameLen]byte
	for {
		n, err := unix.Read(s.fd, raw[:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return can.Frame{}, false, nil
			}
			return can.Frame{}, false, fmt.Errorf("socketcan read %s: %w", s.iface, err)
		}
		if n < canFrameLen {
			return can.Frame{}, false, fmt.Errorf("socketcan read %s: short frame (%d bytes)", s.iface, n)
		}
		break
	}
	at := time.Now()

	id := binary.NativeEndian.Uint32(raw[0:4])
	if id&unix.CAN_ERR_FLAG != 0 {
		s.logger.Debug().Uint32("can_id", id).Msg("error frame ignored")
		return can.Frame{}, false, nil
	}
	f := can.Frame{
		Timestamp: can.Seconds(at),
		Length:    raw[4],
		Extended:  id&unix.CAN_EFF_FLAG != 0,
	}
	if f.Extended {
		f.ArbitrationID = id & unix.CAN_EFF_MASK
	} else {
		f.ArbitrationID = id & unix.CAN_SFF_MASK
	}
	if f.Length > can.MaxDataLen {
		f.Length = can.MaxDataLen
	}
	if id&unix.CAN_RTR_FLAG != 0 {
		// remote request: dlc is a request length, no data follows
		f.Length = 0
	}
	copy(f.Data[:], raw[8:8+int(f.Length)])
	return f, true, nil
}

func (s *SocketCAN) Send(f can.Frame, timeout time.Duration) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.setTimeout(&s.txMu, &s.txTimeout, unix.SO_SNDTIMEO, timeout); err != nil {
		return err
	}

	var raw [canFrameLen]byte
	id := f.ArbitrationID
	if f.Extended {
		id |= unix.CAN_EFF_FLAG
	}
	binary.NativeEndian.PutUint32(raw[0:4], id)
	raw[4] = f.Length
	copy(raw[8:], f.Payload())

	for {
		_, err := unix.Write(s.fd, raw[:])
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) {
			return fmt.Errorf("%w: %s: %v", ErrSendTimeout, s.iface, err)
		}
		return fmt.Errorf("socketcan write %s: %w", s.iface, err)
	}
}

func (s *SocketCAN) setTimeout(mu *sync.Mutex, current *time.Duration, opt int, d time.Duration) error {
	mu.Lock()
	defer mu.Unlock()
	if *current == d {
		return nil
	}
	// a zero timeval blocks forever; keep the smallest positive wait instead
	if d <= 0 {
		d = time.Microsecond
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, opt, &tv); err != nil {
		return fmt.Errorf("socketcan set timeout: %w", err)
	}
	*current = d
	return nil
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info().Msg("socketcan closed")
	return unix.Close(s.fd)
}
