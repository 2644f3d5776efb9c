// Package bus owns CAN bus handles.
//
// A Bus supports blocking receive with a timeout and send with a timeout.
// A receive timeout is not an error; it is reported as ok == false.
// Any other receive or send error is a bus-handle failure.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/canrelay/internal/can"
)

var (
	ErrClosed         = errors.New("bus: closed")
	ErrSendTimeout    = errors.New("bus: send timeout")
	ErrUnsupported    = errors.New("bus: driver unsupported on this platform")
	ErrUnknownDriver  = errors.New("bus: unknown driver")
	ErrChannelMissing = errors.New("bus: channel required")
)

type Bus interface {
	Receive(timeout time.Duration) (can.Frame, bool, error)
	Send(f can.Frame, timeout time.Duration) error
	Close() error
}

const (
	DriverSocketCAN = "socketcan"
	DriverReplay    = "replay"
	DriverMemory    = "memory"
)

// Config selects and parameterizes a bus driver.
type Config struct {
	Driver  string
	Channel string // interface name for socketcan, log path for replay
	Loop    bool   // replay: restart at end of log
	Pace    bool   // replay: keep relative timing between frames
	// Loopback keeps frames sent on this socket visible to its own receiver.
	Loopback bool
}

func DefaultConfig() Config {
	return Config{
		Driver:  DriverSocketCAN,
		Channel: "can0",
	}
}

func (c Config) Validate() error {
	switch normalizeDriver(c.Driver) {
	case DriverSocketCAN, DriverReplay:
		if strings.TrimSpace(c.Channel) == "" {
			return ErrChannelMissing
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver)
	}
	return nil
}

// Open returns the bus described by cfg.
func Open(cfg Config) (Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch normalizeDriver(cfg.Driver) {
	case DriverSocketCAN:
		s, err := OpenSocketCAN(strings.TrimSpace(cfg.Channel), cfg.Loopback)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverReplay:
		r, err := OpenReplay(strings.TrimSpace(cfg.Channel), ReplayOptions{Loop: cfg.Loop, Pace: cfg.Pace})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return NewMemory(0), nil
	}
}

func normalizeDriver(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return DriverSocketCAN
	}
	return d
}
