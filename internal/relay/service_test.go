package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/can"
	"github.com/danmuck/canrelay/internal/observability"
	"github.com/danmuck/canrelay/internal/protocol/wire"
	"github.com/danmuck/canrelay/internal/testutil/testlog"
	"github.com/danmuck/canrelay/internal/testutil/tlstest"
	"github.com/danmuck/canrelay/internal/transport"
)

type harness struct {
	svc    *Service
	bus    *bus.Memory
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startRelay(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	b := bus.NewMemory(64)
	svc := NewService(cfg, b, opts...)
	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, bus: b, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() {
		h.done <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Errorf("relay did not stop")
		}
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitSessions(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.svc.Sessions()) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sessions=%d want=%d", len(h.svc.Sessions()), n)
}

func (h *harness) inject(t *testing.T, f can.Frame) {
	t.Helper()
	if err := h.bus.Inject(f); err != nil {
		t.Fatalf("inject: %v", err)
	}
}

func mustFrame(t *testing.T, ts float64, id uint32, payload ...byte) can.Frame {
	t.Helper()
	f, err := can.NewFrame(ts, id, payload)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	return f
}

func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) can.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	f, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// expectClosed waits for the server to close conn.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection still open")
		}
		return
	}
}

func TestRelayWritesNineteenByteRecord(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, DefaultConfig())
	conn := h.dial(t)
	h.waitSessions(t, 1)

	h.inject(t, mustFrame(t, 1000.25, 0x123, 0x01, 0x02, 0x03))

	got := make([]byte, 19)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := make([]byte, 0, 19)
	want = binary.BigEndian.AppendUint64(want, math.Float64bits(1000.25))
	want = binary.BigEndian.AppendUint32(want, 0x123)
	want = binary.BigEndian.AppendUint32(want, 3)
	want = append(want, 0x01, 0x02, 0x03)
	if !bytes.Equal(got, want) {
		t.Fatalf("record mismatch\n got=% x\nwant=% x", got, want)
	}
}

func TestRelaySharedModeDeliversEachFrameOnce(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, DefaultConfig())
	clients := []net.Conn{h.dial(t), h.dial(t)}
	h.waitSessions(t, 2)

	for i := 1; i <= 10; i++ {
		h.inject(t, mustFrame(t, float64(i), uint32(i), byte(i)))
	}

	var (
		mu  sync.Mutex
		ids []int
		wg  sync.WaitGroup
	)
	for _, conn := range clients {
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			for {
				_ = conn.SetReadDeadline(time.Now().Add(time.Second))
				f, err := wire.ReadFrame(conn)
				if err != nil {
					return
				}
				mu.Lock()
				ids = append(ids, int(f.ArbitrationID))
				mu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	sort.Ints(ids)
	if len(ids) != 10 {
		t.Fatalf("aggregate frames=%d want=10 ids=%v", len(ids), ids)
	}
	for i, id := range ids {
		if id != i+1 {
			t.Fatalf("ids=%v", ids)
		}
	}
}

func TestRelayIdleBusWritesNothing(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, DefaultConfig())
	conn := h.dial(t)
	h.waitSessions(t, 1)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got n=%d err=%v", n, err)
	}
	if got := h.svc.Sessions(); len(got) != 1 {
		t.Fatalf("session dropped while idle: %+v", got)
	}
}

func TestRelayKeepsServingAfterClientLeaves(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, DefaultConfig())
	first := h.dial(t)
	h.waitSessions(t, 1)
	_ = first.Close()
	h.waitSessions(t, 0)

	second := h.dial(t)
	h.waitSessions(t, 1)
	h.inject(t, mustFrame(t, 1, 0x42, 0xAA))
	if f := readFrame(t, second, 2*time.Second); f.ArbitrationID != 0x42 {
		t.Fatalf("frame=%v", f)
	}

	select {
	case err := <-h.done:
		t.Fatalf("relay stopped: %v", err)
	default:
	}
}

func TestRelayBusFailureIsFatal(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, DefaultConfig())
	conn := h.dial(t)
	h.waitSessions(t, 1)

	lost := errors.New("device lost")
	h.bus.Fail(lost)

	select {
	case err := <-h.done:
		if !errors.Is(err, ErrBusFailure) || !errors.Is(err, lost) {
			t.Fatalf("err=%v", err)
		}
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatalf("relay kept running after bus failure")
	}
	expectClosed(t, conn)
}

func TestRelayShutdownClosesSessions(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, DefaultConfig())
	conn := h.dial(t)
	h.waitSessions(t, 1)

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not stop")
	}
	expectClosed(t, conn)
}

func TestRelayBroadcastModeCopiesToEverySession(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Mode = ModeBroadcast
	h := startRelay(t, cfg)
	a, b := h.dial(t), h.dial(t)
	h.waitSessions(t, 2)

	for i := 1; i <= 5; i++ {
		h.inject(t, mustFrame(t, float64(i), uint32(i)))
	}
	for _, conn := range []net.Conn{a, b} {
		for i := 1; i <= 5; i++ {
			if f := readFrame(t, conn, 2*time.Second); f.ArbitrationID != uint32(i) {
				t.Fatalf("frame %d id=%d", i, f.ArbitrationID)
			}
		}
	}
}

func TestRelayExclusiveModeRejectsSecondClient(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Mode = ModeExclusive
	h := startRelay(t, cfg)
	owner := h.dial(t)
	h.waitSessions(t, 1)

	intruder := h.dial(t)
	expectClosed(t, intruder)

	h.inject(t, mustFrame(t, 1, 0x7FF, 1, 2))
	if f := readFrame(t, owner, 2*time.Second); f.ArbitrationID != 0x7FF {
		t.Fatalf("frame=%v", f)
	}

	_ = owner.Close()
	h.waitSessions(t, 0)
	next := h.dial(t)
	h.waitSessions(t, 1)
	h.inject(t, mustFrame(t, 2, 0x100))
	if f := readFrame(t, next, 2*time.Second); f.ArbitrationID != 0x100 {
		t.Fatalf("frame=%v", f)
	}
}

func TestRelayMutualTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	serverCert, serverKey := ca.IssueServer(t, dir, "relay")
	clientCert, clientKey := ca.IssueClient(t, dir, "dash.unit")

	cfg := DefaultConfig()
	cfg.TLS = transport.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: serverCert,
		KeyFile:  serverKey,
		CAFile:   ca.CAFile(),
	}
	h := startRelay(t, cfg)

	clientTLS, err := transport.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: clientCert,
		KeyFile:  clientKey,
		CAFile:   ca.CAFile(),
	}.ClientConfig(h.addr)
	if err != nil {
		t.Fatalf("client tls: %v", err)
	}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", h.addr, clientTLS)
	if err != nil {
		t.Fatalf("dial tls: %v", err)
	}
	defer conn.Close()
	h.waitSessions(t, 1)

	if peer := h.svc.Sessions()[0].Peer; peer != "dash.unit" {
		t.Fatalf("peer=%q", peer)
	}
	h.inject(t, mustFrame(t, 3.5, 0x1ABCDEF, 9))
	f := readFrame(t, conn, 2*time.Second)
	if f.ArbitrationID != 0x1ABCDEF || !f.Extended || f.Timestamp != 3.5 {
		t.Fatalf("frame=%+v", f)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
	calls  int
}

func (s *recordingSink) Append(f can.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) snapshot() ([]can.Frame, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]can.Frame(nil), s.frames...), s.calls
}

func TestRelayCaptureRecordsWithoutSessions(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	h := startRelay(t, DefaultConfig(), WithCapture(sink))

	h.inject(t, mustFrame(t, 1, 0x10))
	h.inject(t, mustFrame(t, 2, 0x20))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.svc.Stats().Unclaimed == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	frames, _ := sink.snapshot()
	if len(frames) != 2 || frames[0].ArbitrationID != 0x10 || frames[1].ArbitrationID != 0x20 {
		t.Fatalf("captured=%v", frames)
	}
	if stats := h.svc.Stats(); stats.Received != 2 || stats.Unclaimed != 2 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestRelayCaptureFailureDoesNotStopRelay(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{err: errors.New("disk full")}
	h := startRelay(t, DefaultConfig(), WithCapture(sink))
	conn := h.dial(t)
	h.waitSessions(t, 1)

	h.inject(t, mustFrame(t, 1, 0x1))
	h.inject(t, mustFrame(t, 2, 0x2))
	readFrame(t, conn, 2*time.Second)
	readFrame(t, conn, 2*time.Second)

	if _, calls := sink.snapshot(); calls != 1 {
		t.Fatalf("sink calls=%d want=1", calls)
	}
}

func TestSessionOfferDropsWhenQueueFull(t *testing.T) {
	testlog.Start(t)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sess := newSession(1, server, 2)
	for i := 0; i < 2; i++ {
		if !sess.offer(can.Frame{ArbitrationID: uint32(i)}) {
			t.Fatalf("offer %d rejected", i)
		}
	}
	if sess.offer(can.Frame{ArbitrationID: 9}) {
		t.Fatalf("offer accepted past queue depth")
	}
	if got := sess.info().Dropped; got != 1 {
		t.Fatalf("dropped=%d", got)
	}
}

func TestServeRequiresBus(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := NewService(DefaultConfig(), nil)
	if err := svc.Serve(context.Background(), ln); !errors.Is(err, ErrBusFailure) {
		t.Fatalf("err=%v", err)
	}
}

func TestSessionPumpReportsWriteFailure(t *testing.T) {
	testlog.Start(t)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sess := newSession(1, server, 0)
	src := make(chan can.Frame, 1)
	src <- can.Frame{ArbitrationID: 0x10}

	outcome, err := sess.pump(context.Background(), src, 50*time.Millisecond)
	if outcome != observability.OutcomeWriteFailed {
		t.Fatalf("outcome=%q err=%v", outcome, err)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("err=%v", err)
	}
	if got := sess.info().FramesSent; got != 0 {
		t.Fatalf("frames sent=%d", got)
	}
}

func TestRelayStalledSessionFailsWhileOthersContinue(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Mode = ModeBroadcast
	cfg.WriteTimeout = 200 * time.Millisecond
	h := startRelay(t, cfg)

	stalled := h.dial(t)
	if tcp, ok := stalled.(*net.TCPConn); ok {
		_ = tcp.SetReadBuffer(1024)
	}
	drain := h.dial(t)
	h.waitSessions(t, 2)

	const marker = 0x7FF
	markerSeen := make(chan struct{})
	go func() {
		for {
			_ = drain.SetReadDeadline(time.Now().Add(5 * time.Second))
			f, err := wire.ReadFrame(drain)
			if err != nil {
				return
			}
			if f.ArbitrationID == marker {
				close(markerSeen)
				return
			}
		}
	}()

	// fill the stalled client's socket buffers until its write deadline hits
	deadline := time.Now().Add(15 * time.Second)
	for h.svc.Stats().WriteFailures == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stalled session never failed: %+v", h.svc.Stats())
		}
		for i := 0; i < 256; i++ {
			h.inject(t, mustFrame(t, 1, 0x100, 1, 2, 3, 4, 5, 6, 7, 8))
		}
	}
	h.waitSessions(t, 1)
	if stats := h.svc.Stats(); stats.WriteFailures != 1 {
		t.Fatalf("stats=%+v", stats)
	}

	h.inject(t, mustFrame(t, 2, marker, 0xEE))
	select {
	case <-markerSeen:
	case <-time.After(5 * time.Second):
		t.Fatalf("draining session stopped receiving")
	}
	select {
	case err := <-h.done:
		t.Fatalf("relay stopped: %v", err)
	default:
	}
}

func TestRelaySurvivorReceivesEveryFrameAfterPeerCloses(t *testing.T) {
	testlog.Start(t)
	h := startRelay(t, DefaultConfig())
	leaving := h.dial(t)
	survivor := h.dial(t)
	h.waitSessions(t, 2)

	_ = leaving.Close()
	h.waitSessions(t, 1)

	for i := 1; i <= 5; i++ {
		h.inject(t, mustFrame(t, float64(i), uint32(0x200+i), byte(i)))
	}
	for i := 1; i <= 5; i++ {
		f := readFrame(t, survivor, 2*time.Second)
		if f.ArbitrationID != uint32(0x200+i) {
			t.Fatalf("frame %d id=%X", i, f.ArbitrationID)
		}
	}
	if stats := h.svc.Stats(); stats.WriteFailures != 0 || stats.Unclaimed != 0 {
		t.Fatalf("stats=%+v", stats)
	}
}

// failingListener returns failures Accept errors before accepting normally.
type failingListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestRelayAcceptErrorsDoNotStopService(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	b := bus.NewMemory(8)
	svc := NewService(cfg, b)
	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Serve(ctx, &failingListener{Listener: ln, failures: 3})
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("relay did not stop")
		}
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for len(svc.Sessions()) != 1 {
		select {
		case err := <-done:
			t.Fatalf("relay stopped on accept error: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never accepted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := b.Inject(mustFrame(t, 1, 0x55, 1)); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if f := readFrame(t, conn, 2*time.Second); f.ArbitrationID != 0x55 {
		t.Fatalf("frame=%v", f)
	}
}
