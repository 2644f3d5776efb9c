package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/testutil/testlog"
)

func TestNextCounterWrapsAt256(t *testing.T) {
	testlog.Start(t)
	g := New(DefaultConfig())
	for i := 0; i < 256; i++ {
		f := g.Next()
		if f.Length != 8 {
			t.Fatalf("length=%d", f.Length)
		}
		if got := f.Data[7]; got != byte(i) {
			t.Fatalf("frame %d counter=%d", i, got)
		}
		for j := 0; j < 7; j++ {
			if f.Data[j] != 0 {
				t.Fatalf("frame %d byte %d=%d", i, j, f.Data[j])
			}
		}
	}
	if got := g.Next().Data[7]; got != 0 {
		t.Fatalf("counter after wrap=%d", got)
	}
}

func TestDefaultIdentifierIsMaskedAndExtended(t *testing.T) {
	testlog.Start(t)
	f := New(DefaultConfig()).Next()
	if f.ArbitrationID != 0x05A5A5A5 || !f.Extended {
		t.Fatalf("id=0x%X extended=%v", f.ArbitrationID, f.Extended)
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ArbitrationID = 0x123
	f = New(cfg).Next()
	if f.ArbitrationID != 0x123 || f.Extended {
		t.Fatalf("id=0x%X extended=%v", f.ArbitrationID, f.Extended)
	}
}

func TestRunSendsCountFrames(t *testing.T) {
	testlog.Start(t)
	b := bus.NewMemory(16)
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	cfg.Count = 5
	g := New(cfg)

	if err := g.Run(context.Background(), b); err != nil {
		t.Fatalf("run: %v", err)
	}
	if g.Sent() != 5 {
		t.Fatalf("sent=%d", g.Sent())
	}
	for i := 0; i < 5; i++ {
		f, ok, err := b.Receive(100 * time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("receive %d ok=%v err=%v", i, ok, err)
		}
		if f.Data[7] != byte(i) || f.Timestamp == 0 {
			t.Fatalf("frame %d=%+v", i, f)
		}
	}
}

func TestRunSkipsSendTimeouts(t *testing.T) {
	testlog.Start(t)
	b := bus.NewMemory(1)
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	cfg.SendTimeout = 5 * time.Millisecond
	cfg.Count = 3
	g := New(cfg)

	if err := g.Run(context.Background(), b); err != nil {
		t.Fatalf("run: %v", err)
	}
	if g.Sent() != 1 || g.Dropped() != 2 {
		t.Fatalf("sent=%d dropped=%d", g.Sent(), g.Dropped())
	}
}

func TestRunStopsOnBusFailure(t *testing.T) {
	testlog.Start(t)
	b := bus.NewMemory(4)
	lost := errors.New("interface down")
	b.Fail(lost)

	err := New(DefaultConfig()).Run(context.Background(), b)
	if !errors.Is(err, lost) {
		t.Fatalf("err=%v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	b := bus.NewMemory(1024)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(DefaultConfig()).Run(ctx, b)
	}()
	time.Sleep(250 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("generator did not stop")
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Interval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected interval error")
	}
	cfg = DefaultConfig()
	cfg.Count = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected count error")
	}
}
