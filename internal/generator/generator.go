// Package generator transmits a fixed test frame on a bus at a steady rate.
// The last payload byte carries a counter that wraps at 256 so a receiver
// can spot gaps.
package generator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/can"
	"github.com/danmuck/canrelay/internal/logging"
	"github.com/danmuck/canrelay/internal/observability"
)

const (
	DefaultArbitrationID uint32 = 0xA5A5A5A5
	PayloadLen                  = can.MaxDataLen
)

type Config struct {
	ArbitrationID uint32
	Interval      time.Duration
	SendTimeout   time.Duration
	// Count stops the generator after this many attempts, 0 runs forever.
	Count int
}

func DefaultConfig() Config {
	return Config{
		ArbitrationID: DefaultArbitrationID,
		Interval:      100 * time.Millisecond,
		SendTimeout:   100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("generator interval must be positive")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("generator send timeout must be positive")
	}
	if c.Count < 0 {
		return fmt.Errorf("generator count must not be negative")
	}
	return nil
}

// NormalizeID keeps the low 29 bits of id, the widest identifier a CAN
// frame can carry.
func NormalizeID(id uint32) uint32 {
	return id & can.MaxExtendedID
}

type Generator struct {
	cfg     Config
	id      uint32
	counter uint8
	logger  zerolog.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config) *Generator {
	id := NormalizeID(cfg.ArbitrationID)
	g := &Generator{
		cfg:    cfg,
		id:     id,
		logger: logging.Component("generator"),
	}
	if id != cfg.ArbitrationID {
		g.logger.Warn().
			Str("configured", fmt.Sprintf("0x%X", cfg.ArbitrationID)).
			Str("sent_as", fmt.Sprintf("0x%X", id)).
			Msg("arbitration id masked to 29 bits")
	}
	return g
}

// Next builds the next frame and advances the counter.
func (g *Generator) Next() can.Frame {
	var payload [PayloadLen]byte
	payload[PayloadLen-1] = g.counter
	g.counter++
	f, _ := can.NewFrame(0, g.id, payload[:])
	return f
}

// Sent is the number of frames the bus accepted.
func (g *Generator) Sent() uint64 {
	return g.sent.Load()
}

// Dropped is the number of frames that hit the send timeout.
func (g *Generator) Dropped() uint64 {
	return g.dropped.Load()
}

// Run sends one frame per interval until ctx ends. Send timeouts are
// logged and skipped; any other bus error ends the run.
func (g *Generator) Run(ctx context.Context, b bus.Bus) error {
	if err := g.cfg.Validate(); err != nil {
		return err
	}
	g.logger.Info().
		Str("id", fmt.Sprintf("0x%X", g.id)).
		Dur("interval", g.cfg.Interval).
		Dur("send_timeout", g.cfg.SendTimeout).
		Msg("generator started")

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for attempts := 0; g.cfg.Count == 0 || attempts < g.cfg.Count; attempts++ {
		if attempts > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		f := g.Next()
		err := b.Send(f, g.cfg.SendTimeout)
		observability.RecordGeneratorSend(err)
		switch {
		case err == nil:
			g.sent.Add(1)
			g.logger.Debug().Stringer("frame", f).Msg("sent")
		case errors.Is(err, bus.ErrSendTimeout):
			g.dropped.Add(1)
			g.logger.Warn().Stringer("frame", f).Msg("send timed out")
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("generator send: %w", err)
		}
	}
	g.logger.Info().Uint64("sent", g.sent.Load()).Uint64("dropped", g.dropped.Load()).Msg("generator finished")
	return nil
}
