package bus

import (
	"sync"
	"time"

	"github.com/danmuck/canrelay/internal/can"
)

// Memory is an in-process bus. Frames sent on it are received from it.
type Memory struct {
	frames chan can.Frame
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	failure error
}

func NewMemory(depth int) *Memory {
	if depth <= 0 {
		depth = 256
	}
	return &Memory{
		frames: make(chan can.Frame, depth),
		done:   make(chan struct{}),
	}
}

func (m *Memory) Receive(timeout time.Duration) (can.Frame, bool, error) {
	if err := m.err(); err != nil {
		return can.Frame{}, false, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-m.frames:
		return f, true, nil
	case <-timer.C:
		return can.Frame{}, false, nil
	case <-m.done:
		return can.Frame{}, false, m.err()
	}
}

func (m *Memory) Send(f can.Frame, timeout time.Duration) error {
	if err := m.err(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Timestamp == 0 {
		f.Timestamp = can.Seconds(time.Now())
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m.frames <- f:
		return nil
	case <-timer.C:
		return ErrSendTimeout
	case <-m.done:
		return m.err()
	}
}

// Inject queues a frame as if it was captured from the wire. It blocks
// while the buffer is full.
func (m *Memory) Inject(f can.Frame) error {
	select {
	case m.frames <- f:
		return nil
	case <-m.done:
		return m.err()
	}
}

// Fail makes every subsequent operation return err, simulating a lost
// device.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.failure = err
	m.closed = true
	close(m.done)
}

func (m *Memory) Close() error {
	m.Fail(ErrClosed)
	return nil
}

func (m *Memory) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}
