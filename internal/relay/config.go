package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/canrelay/internal/transport"
)

// Mode selects how received frames are distributed among sessions.
type Mode string

const (
	// ModeShared hands each frame to exactly one connected session.
	ModeShared Mode = "shared"
	// ModeBroadcast copies every frame into every session's queue.
	ModeBroadcast Mode = "broadcast"
	// ModeExclusive allows one session at a time and closes the rest.
	ModeExclusive Mode = "exclusive"
)

var ErrInvalidMode = errors.New("relay: invalid distribution mode")

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeShared, nil
	case ModeShared, ModeBroadcast, ModeExclusive:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Config is the relay endpoint configuration.
type Config struct {
	ListenAddr     string
	Backlog        int
	ReceiveTimeout time.Duration
	WriteTimeout   time.Duration
	Mode           Mode
	QueueDepth     int
	TLS            transport.TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8000",
		Backlog:        5,
		ReceiveTimeout: 500 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		Mode:           ModeShared,
		QueueDepth:     64,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("relay config missing listen addr")
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("relay config receive timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("relay config write timeout must be positive")
	}
	return c.TLS.ValidateServer()
}
