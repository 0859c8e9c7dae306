package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/framesrv/internal/protocol"
	"github.com/danmuck/framesrv/internal/protocol/frame"
	"github.com/danmuck/framesrv/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var pingPong = HandlerFunc(func(_ ConnID, payload []byte) ([]byte, error) {
	if string(payload) == "ping" {
		return []byte("pong"), nil
	}
	return append([]byte{}, payload...), nil
})

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.GracePeriod = time.Second
	return cfg
}

// run starts s and serves it in the background until the test ends.
func run(t *testing.T, s *Server) {
	t.Helper()
	require.NoError(t, s.Start())
	errs := make(chan error, 1)
	go func() {
		errs <- s.Serve(context.Background())
	}()
	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
}

func startServer(t *testing.T, cfg Config, h Handler, opts ...Option) *Server {
	t.Helper()
	s := NewServer(cfg, h, opts...)
	run(t, s)
	return s
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
	dec  *frame.Decoder
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &testClient{conn: conn, r: bufio.NewReader(conn), dec: frame.NewDecoder(frame.DefaultLimits())}
}

func (c *testClient) send(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, frame.WriteFrame(c.conn, payload))
}

func (c *testClient) recv(t *testing.T) []byte {
	t.Helper()
	got, err := frame.ReadFrame(c.r, c.dec)
	require.NoError(t, err)
	return got
}

func (c *testClient) call(t *testing.T, payload []byte) []byte {
	t.Helper()
	c.send(t, payload)
	return c.recv(t)
}

// expectClosed reads until the server closes the connection.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	_, err := io.Copy(io.Discard, c.r)
	if err != nil {
		var ne net.Error
		require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection not closed: %v", err)
	}
}

type closeRecord struct {
	id    ConnID
	cause error
}

type closeLog struct {
	mu      sync.Mutex
	records []closeRecord
}

func (l *closeLog) record(id ConnID, _ net.Addr, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, closeRecord{id: id, cause: cause})
}

func (l *closeLog) snapshot() []closeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]closeRecord(nil), l.records...)
}

func TestFanOutConcurrentClients(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), pingPong)

	const clients = 32
	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			r := bufio.NewReader(conn)
			dec := frame.NewDecoder(frame.DefaultLimits())
			for j := 0; j < rounds; j++ {
				if err := frame.WriteFrame(conn, []byte("ping")); err != nil {
					errs <- err
					return
				}
				got, err := frame.ReadFrame(r, dec)
				if err != nil {
					errs <- err
					return
				}
				if string(got) != "pong" {
					errs <- fmt.Errorf("unexpected response %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return s.Stats().Active == 0
	}, 2*time.Second, 10*time.Millisecond)
	st := s.Stats()
	require.Equal(t, uint64(clients), st.Accepted)
	require.Equal(t, uint64(clients*rounds), st.Frames)
	require.Equal(t, uint64(clients), st.Closed)
}

func TestPipelinedFramesAnsweredInOrder(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), pingPong)
	c := dial(t, s)

	var wire []byte
	for i := 0; i < 50; i++ {
		wire = frame.AppendFrame(wire, []byte(fmt.Sprintf("msg-%d", i)))
	}
	// Dribble the stream in odd-sized pieces so frames straddle reads.
	for rest := wire; len(rest) > 0; {
		n := min(7, len(rest))
		_, err := c.conn.Write(rest[:n])
		require.NoError(t, err)
		rest = rest[n:]
	}
	for i := 0; i < 50; i++ {
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(c.recv(t)))
	}
}

func TestPartialWritesResume(t *testing.T) {
	testlog.Start(t)
	s := NewServer(testConfig(), pingPong)
	var calls atomic.Int64
	s.sys.write = func(fd int, p []byte) (int, error) {
		if calls.Add(1)%2 == 0 {
			return 0, unix.EAGAIN
		}
		return unix.Write(fd, p[:min(len(p), 13)])
	}
	run(t, s)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 512)
	c := dial(t, s)
	require.Equal(t, payload, c.call(t, payload))
	require.Equal(t, []byte("pong"), c.call(t, []byte("ping")))
	require.Greater(t, calls.Load(), int64(len(payload)/13))
}

func TestPeerCloseClosesExactlyOnce(t *testing.T) {
	testlog.Start(t)
	var closes closeLog
	s := startServer(t, testConfig(), pingPong, OnClose(closes.record))

	c := dial(t, s)
	require.Equal(t, []byte("pong"), c.call(t, []byte("ping")))
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return len(closes.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	// Later cycles must not close it again.
	time.Sleep(50 * time.Millisecond)
	got := closes.snapshot()
	require.Len(t, got, 1)
	require.ErrorIs(t, got[0].cause, ErrPeerClosed)
	require.Equal(t, uint64(1), s.Stats().Closed)
}

func TestFinalFrameBeforeFINIsAnswered(t *testing.T) {
	testlog.Start(t)
	s := startServer(t, testConfig(), pingPong)
	c := dial(t, s)

	c.send(t, []byte("ping"))
	require.NoError(t, c.conn.(*net.TCPConn).CloseWrite())

	require.Equal(t, []byte("pong"), c.recv(t))
	_, err := frame.ReadFrame(c.r, c.dec)
	require.ErrorIs(t, err, io.EOF)
}

func TestProtocolErrorClosesOnlyOffender(t *testing.T) {
	testlog.Start(t)
	var closes closeLog
	s := startServer(t, testConfig(), pingPong, OnClose(closes.record))

	good := dial(t, s)
	require.Equal(t, []byte("pong"), good.call(t, []byte("ping")))

	bad := dial(t, s)
	_, err := bad.conn.Write([]byte("ab\r\n"))
	require.NoError(t, err)
	bad.expectClosed(t)

	require.Equal(t, []byte("pong"), good.call(t, []byte("ping")))
	require.Eventually(t, func() bool {
		return len(closes.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	rec := closes.snapshot()[0]
	require.ErrorIs(t, rec.cause, protocol.ErrMalformedLength)
	require.Equal(t, CloseProtocol, closeReason(rec.cause))
	require.Equal(t, uint64(1), s.Stats().ProtocolErrors)
}

func TestHandlerErrorClosesConnection(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	var closes closeLog
	h := HandlerFunc(func(_ ConnID, payload []byte) ([]byte, error) {
		if string(payload) == "fail" {
			return nil, boom
		}
		return payload, nil
	})
	s := startServer(t, testConfig(), h, OnClose(closes.record))

	c := dial(t, s)
	require.Equal(t, []byte("ok"), c.call(t, []byte("ok")))
	c.send(t, []byte("fail"))
	c.expectClosed(t)

	require.Eventually(t, func() bool {
		return len(closes.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cause := closes.snapshot()[0].cause
	require.ErrorIs(t, cause, ErrHandler)
	require.ErrorIs(t, cause, boom)
}

func TestNilResponseSendsNothing(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(_ ConnID, payload []byte) ([]byte, error) {
		if string(payload) == "quiet" {
			return nil, nil
		}
		return payload, nil
	})
	s := startServer(t, testConfig(), h)
	c := dial(t, s)
	c.send(t, []byte("quiet"))
	require.Equal(t, []byte("loud"), c.call(t, []byte("loud")))
	require.Equal(t, []byte{}, c.call(t, []byte{}))
}

func TestOutboundOverflowClosesConnection(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxOutboundBytes = 64
	cfg.HighWatermark = 64
	var closes closeLog
	h := HandlerFunc(func(ConnID, []byte) ([]byte, error) {
		return bytes.Repeat([]byte("x"), 100), nil
	})
	s := startServer(t, cfg, h, OnClose(closes.record))

	c := dial(t, s)
	c.send(t, []byte("go"))
	c.expectClosed(t)
	require.Eventually(t, func() bool {
		return len(closes.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, closes.snapshot()[0].cause, ErrOutboundOverflow)
}

func TestHighWatermarkPausesReads(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.HighWatermark = 64
	cfg.MaxOutboundBytes = 1024

	var handled atomic.Int64
	h := HandlerFunc(func(ConnID, []byte) ([]byte, error) {
		handled.Add(1)
		return bytes.Repeat([]byte("r"), 35), nil
	})
	var blocked atomic.Bool
	blocked.Store(true)
	s := NewServer(cfg, h)
	s.sys.write = func(fd int, p []byte) (int, error) {
		if blocked.Load() {
			return 0, unix.EAGAIN
		}
		return unix.Write(fd, p)
	}
	run(t, s)

	c := dial(t, s)
	var wire []byte
	for i := 0; i < 10; i++ {
		wire = frame.AppendFrame(wire, []byte("q"))
	}
	_, err := c.conn.Write(wire)
	require.NoError(t, err)

	// Each response is 41 bytes on the wire, so the second crosses 64.
	require.Eventually(t, func() bool { return handled.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return handled.Load() > 2 }, 150*time.Millisecond, 10*time.Millisecond)

	blocked.Store(false)
	for i := 0; i < 10; i++ {
		require.Len(t, c.recv(t), 35)
	}
	require.Equal(t, int64(10), handled.Load())
}

func TestMaxConnectionsRefusesExtra(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxConnections = 1
	s := startServer(t, cfg, pingPong)

	first := dial(t, s)
	require.Equal(t, []byte("pong"), first.call(t, []byte("ping")))

	second := dial(t, s)
	second.expectClosed(t)
	require.Eventually(t, func() bool { return s.Stats().Rejected == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []byte("pong"), first.call(t, []byte("ping")))
}

func TestOnConnectCanRefuse(t *testing.T) {
	testlog.Start(t)
	var seen atomic.Int64
	s := startServer(t, testConfig(), pingPong, OnConnect(func(id ConnID, remote net.Addr) bool {
		return remote != nil && seen.Add(1) > 1
	}))

	refused := dial(t, s)
	refused.expectClosed(t)

	ok := dial(t, s)
	require.Equal(t, []byte("pong"), ok.call(t, []byte("ping")))
	require.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestIdleConnectionsEvicted(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.IdleTimeout = 80 * time.Millisecond
	var closes closeLog
	s := startServer(t, cfg, pingPong, OnClose(closes.record))

	c := dial(t, s)
	require.Equal(t, []byte("pong"), c.call(t, []byte("ping")))
	c.expectClosed(t)

	require.Eventually(t, func() bool {
		return len(closes.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, closes.snapshot()[0].cause, ErrIdleTimeout)
}

func TestStopDrainsAndStops(t *testing.T) {
	testlog.Start(t)
	var closes closeLog
	s := NewServer(testConfig(), pingPong, OnClose(closes.record))
	require.NoError(t, s.Start())
	require.Equal(t, Running, s.State())

	errs := make(chan error, 1)
	go func() { errs <- s.Serve(context.Background()) }()

	c := dial(t, s)
	require.Equal(t, []byte("pong"), c.call(t, []byte("ping")))
	addr := s.Addr().String()

	s.Stop()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
	<-s.Done()
	require.Equal(t, Stopped, s.State())
	c.expectClosed(t)

	got := closes.snapshot()
	require.Len(t, got, 1)
	require.ErrorIs(t, got[0].cause, ErrServerStopped)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, "stopped", s.Stats().State)
}

func TestContextCancelStopsServe(t *testing.T) {
	testlog.Start(t)
	s := NewServer(testConfig(), pingPong)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.Serve(ctx) }()
	cancel()

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve ignored context cancellation")
	}
	require.Equal(t, Stopped, s.State())
}

func TestLifecycleOrder(t *testing.T) {
	testlog.Start(t)
	s := NewServer(testConfig(), pingPong)
	require.ErrorIs(t, s.Serve(context.Background()), ErrLifecycleOrder)

	// Stop before Start is a no-op.
	s.Stop()
	require.Equal(t, Stopped, s.State())

	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrLifecycleOrder)

	s.Stop()
	require.Equal(t, Stopped, s.State())
	require.ErrorIs(t, s.Serve(context.Background()), ErrServerStopped)
	require.ErrorIs(t, s.Start(), ErrLifecycleOrder)
}

func TestStopWithoutServeReleasesResources(t *testing.T) {
	testlog.Start(t)
	s := NewServer(testConfig(), pingPong)
	require.NoError(t, s.Start())
	addr := s.Addr().String()

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed after stop without serve")
	}
	require.Equal(t, Stopped, s.State())
	require.Equal(t, -1, s.lfd)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
	require.ErrorIs(t, s.Serve(context.Background()), ErrServerStopped)
}

func TestStartRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	require.ErrorIs(t, NewServer(testConfig(), nil).Start(), ErrInvalidConfig)

	cfg := testConfig()
	cfg.HighWatermark = 10
	cfg.MaxOutboundBytes = 5
	require.ErrorIs(t, NewServer(cfg, pingPong).Start(), ErrInvalidConfig)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	cfg = testConfig()
	cfg.Addr = taken.Addr().String()
	require.ErrorIs(t, NewServer(cfg, pingPong).Start(), ErrListenerFailed)
}

func TestCloseReason(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		cause error
		want  CloseReason
	}{
		{nil, ClosePeer},
		{ErrPeerClosed, ClosePeer},
		{fmt.Errorf("%w: x", protocol.ErrLengthOverflow), CloseProtocol},
		{fmt.Errorf("%w: 1s", ErrIdleTimeout), CloseIdle},
		{ErrOutboundOverflow, CloseOverflow},
		{fmt.Errorf("%w: %w", ErrHandler, io.ErrUnexpectedEOF), CloseHandler},
		{ErrServerStopped, CloseShutdown},
		{unix.ECONNRESET, CloseIO},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, closeReason(tc.cause), "cause=%v", tc.cause)
	}
}
