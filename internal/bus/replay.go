package bus

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/danmuck/canrelay/internal/can"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ReplayOptions struct {
	Loop bool
	Pace bool
}

// Replay plays back a recorded candump log as if the frames arrived from
// a live bus. Frames are stamped with the replay time. Send is accepted
// and discarded.
type Replay struct {
	frames []can.Frame
	opts   ReplayOptions
	logger zerolog.Logger

	mu       sync.Mutex
	next     int
	lastTS   float64
	lastWall time.Time
	closed   bool
	done     chan struct{}
}

func OpenReplay(path string, opts ReplayOptions) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay log: %w", err)
	}
	defer f.Close()

	logger := log.With().Str("component", "bus.replay").Logger()
	var frames []can.Frame
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fr, err := ParseCandumpLine(scanner.Text())
		if err != nil {
			if !errors.Is(err, ErrNotCandump) {
				logger.Debug().Int("line", lineNum).Err(err).Msg("skip replay line")
			}
			continue
		}
		frames = append(frames, fr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay log: %w", err)
	}
	logger.Info().Str("path", path).Int("frames", len(frames)).Msg("replay log loaded")
	return NewReplay(frames, opts), nil
}

func NewReplay(frames []can.Frame, opts ReplayOptions) *Replay {
	return &Replay{
		frames: frames,
		opts:   opts,
		logger: log.With().Str("component", "bus.replay").Logger(),
		done:   make(chan struct{}),
	}
}

func (r *Replay) Receive(timeout time.Duration) (can.Frame, bool, error) {
	f, wait, ok, err := r.peek()
	if err != nil {
		return can.Frame{}, false, err
	}
	if !ok {
		// log exhausted: behave like a silent bus
		return r.idle(timeout)
	}
	if wait > timeout {
		if _, _, err := r.idle(timeout); err != nil {
			return can.Frame{}, false, err
		}
		return can.Frame{}, false, nil
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-r.done:
			return can.Frame{}, false, ErrClosed
		}
	}
	r.advance(f)
	f.Timestamp = can.Seconds(time.Now())
	return f, true, nil
}

func (r *Replay) peek() (can.Frame, time.Duration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return can.Frame{}, 0, false, ErrClosed
	}
	if r.next >= len(r.frames) {
		if !r.opts.Loop || len(r.frames) == 0 {
			return can.Frame{}, 0, false, nil
		}
		r.next = 0
		r.lastWall = time.Time{}
	}
	f := r.frames[r.next]
	var wait time.Duration
	if r.opts.Pace && !r.lastWall.IsZero() {
		gap := time.Duration((f.Timestamp - r.lastTS) * float64(time.Second))
		wait = time.Until(r.lastWall.Add(gap))
	}
	return f, wait, true, nil
}

func (r *Replay) advance(f can.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.lastTS = f.Timestamp
	r.lastWall = time.Now()
}

func (r *Replay) idle(timeout time.Duration) (can.Frame, bool, error) {
	select {
	case <-time.After(timeout):
		return can.Frame{}, false, nil
	case <-r.done:
		return can.Frame{}, false, ErrClosed
	}
}

func (r *Replay) Send(f can.Frame, _ time.Duration) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	r.logger.Debug().Str("frame", f.String()).Msg("replay bus discards sent frame")
	return nil
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}
