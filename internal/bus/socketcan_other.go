//go:build !linux

package bus

import (
	"fmt"
	"time"

	"github.com/danmuck/canrelay/internal/can"
)

type SocketCAN struct{}

func OpenSocketCAN(ifname string, _ bool) (*SocketCAN, error) {
	return nil, fmt.Errorf("%w: socketcan %q", ErrUnsupported, ifname)
}

func (s *SocketCAN) Receive(time.Duration) (can.Frame, bool, error) {
	return can.Frame{}, false, ErrUnsupported
}

func (s *SocketCAN) Send(can.Frame, time.Duration) error { return ErrUnsupported }

func (s *SocketCAN) Close() error { return nil }
