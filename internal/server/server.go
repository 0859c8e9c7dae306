package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/danmuck/framesrv/internal/netfd"
	"github.com/danmuck/framesrv/internal/poller"
	"github.com/danmuck/framesrv/internal/protocol"
	"github.com/rs/zerolog"
)

// sysCalls are the socket operations the loop performs.
type sysCalls struct {
	accept func(lfd int) (int, net.Addr, error)
	read   func(fd int, p []byte) (int, error)
	write  func(fd int, p []byte) (int, error)
	close  func(fd int) error
}

func defaultSysCalls() sysCalls {
	return sysCalls{
		accept: netfd.Accept,
		read:   netfd.Read,
		write:  netfd.Write,
		close:  netfd.Close,
	}
}

type Server struct {
	cfg     Config
	handler Handler
	opts    options
	log     zerolog.Logger
	sys     sysCalls

	state   atomic.Int32
	started atomic.Bool
	serving atomic.Bool
	addr    atomic.Value // net.Addr
	done    chan struct{}
	stats   counters

	// Loop-owned below.
	poller    poller.Poller
	lfd       int
	conns     map[int]*Conn
	nextID    ConnID
	scratch   []byte
	events    []poller.Event
	draining  bool
	lastSweep time.Time
}

func NewServer(cfg Config, h Handler, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		cfg:     cfg.WithDefaults(),
		handler: h,
		opts:    o,
		log:     o.logger.With().Str("component", "server").Logger(),
		sys:     defaultSysCalls(),
		done:    make(chan struct{}),
		lfd:     -1,
		conns:   make(map[int]*Conn),
	}
	s.state.Store(int32(Stopped))
	return s
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	addr, _ := s.addr.Load().(net.Addr)
	return addr
}

// Done is closed once the loop has released every resource.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) Stats() Stats {
	st := s.stats.snapshot()
	st.State = s.State().String()
	if addr := s.Addr(); addr != nil {
		st.Addr = addr.String()
	}
	return st
}

// Start binds the listener and moves Stopped -> Running. A Server runs once.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidConfig)
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return transitionError(s.State(), Running)
	}

	p, err := poller.New()
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("server: create poller: %w", err)
	}
	lfd, addr, err := netfd.Listen(s.cfg.Addr, s.cfg.Backlog)
	if err != nil {
		_ = p.Close()
		s.started.Store(false)
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	if err := p.Register(lfd, poller.Readable); err != nil {
		_ = netfd.Close(lfd)
		_ = p.Close()
		s.started.Store(false)
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}

	s.poller = p
	s.lfd = lfd
	s.addr.Store(addr)
	s.scratch = make([]byte, s.cfg.ReadBufferBytes)
	s.events = make([]poller.Event, 0, 128)
	s.lastSweep = time.Now()
	s.state.Store(int32(Running))
	s.log.Info().Str("addr", addr.String()).Msg("listening")
	return nil
}

// Stop requests Running -> Draining. While Serve runs it never blocks; the
// loop notices the request within one poll interval. If Serve was never
// called, Stop releases the listener and poller itself and Serve will return
// ErrServerStopped. Stop is safe from any goroutine.
func (s *Server) Stop() {
	if !s.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return
	}
	s.log.Info().Msg("stop requested")
	if s.serving.CompareAndSwap(false, true) {
		s.teardown(fmt.Errorf("%w: before serve", ErrServerStopped))
	}
}

// Serve runs the event loop on the calling goroutine until Stop is called or
// ctx is done, then drains and returns. Server-fatal errors are returned
// after every resource has been released.
func (s *Server) Serve(ctx context.Context) error {
	if !s.started.Load() {
		return transitionError(Stopped, Running)
	}
	if !s.serving.CompareAndSwap(false, true) {
		if s.State() != Running {
			return ErrServerStopped
		}
		return fmt.Errorf("%w: serve called twice", ErrLifecycleOrder)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	for s.State() == Running {
		if err := s.cycle(s.cfg.PollInterval); err != nil {
			s.teardown(err)
			return err
		}
	}
	return s.drain()
}

// cycle waits once and dispatches the ready batch.
func (s *Server) cycle(timeout time.Duration) error {
	var err error
	s.events, err = s.poller.Wait(s.events[:0], timeout)
	if err != nil {
		return fmt.Errorf("server: wait: %w", err)
	}
	for _, ev := range s.events {
		if ev.FD == s.lfd {
			if s.draining {
				continue
			}
			if err := s.acceptAll(); err != nil {
				return err
			}
			continue
		}
		// A miss is a stale event for a descriptor closed earlier in this batch.
		if c, ok := s.conns[ev.FD]; ok {
			s.dispatch(c, ev)
		}
	}
	s.sweepIdle(time.Now())
	return nil
}

func (s *Server) acceptAll() error {
	for {
		fd, remote, err := s.sys.accept(s.lfd)
		if err != nil {
			switch {
			case netfd.IsWouldBlock(err):
				return nil
			case netfd.IsTransientAccept(err):
				s.log.Debug().Err(err).Msg("accept skipped")
				continue
			case netfd.IsResourceExhausted(err):
				s.log.Warn().Err(err).Int("active", len(s.conns)).Msg("accept paused, resources exhausted")
				return nil
			default:
				return fmt.Errorf("%w: accept: %v", ErrListenerFailed, err)
			}
		}
		s.admit(fd, remote)
	}
}

func (s *Server) admit(fd int, remote net.Addr) {
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		s.log.Warn().Str("remote", addrString(remote)).Int("max", s.cfg.MaxConnections).Msg("connection refused, limit reached")
		s.reject(fd)
		return
	}
	s.nextID++
	c := newConn(s.nextID, fd, remote, s.cfg.Limits, time.Now())
	if s.opts.onConnect != nil && !s.opts.onConnect(c.id, remote) {
		s.log.Debug().Uint64("conn", uint64(c.id)).Str("remote", addrString(remote)).Msg("connection refused by callback")
		s.reject(fd)
		return
	}
	if err := s.poller.Register(fd, poller.Readable); err != nil {
		s.log.Warn().Err(err).Int("fd", fd).Msg("register connection")
		s.reject(fd)
		return
	}
	c.interest = poller.Readable
	s.conns[fd] = c
	s.stats.accepted.Add(1)
	s.stats.active.Add(1)
	s.opts.observer.ConnOpened()
	s.log.Debug().Uint64("conn", uint64(c.id)).Int("fd", fd).Str("remote", addrString(remote)).Msg("accepted")
}

func (s *Server) reject(fd int) {
	_ = s.sys.close(fd)
	s.stats.rejected.Add(1)
	s.opts.observer.ConnRejected()
}

func (s *Server) dispatch(c *Conn, ev poller.Event) {
	if ev.Readable && c.interest&poller.Readable != 0 {
		s.handleRead(c)
	}
	if !c.closed && ev.Writable && c.pending() > 0 {
		s.handleWrite(c)
	}
	if c.closed {
		return
	}
	switch {
	case ev.Err:
		cause := netfd.SocketError(c.fd)
		if cause == nil {
			cause = ErrPeerClosed
		}
		s.closeConn(c, fmt.Errorf("server: socket error: %w", cause))
	case ev.Hangup && !ev.Readable && !ev.Writable:
		// Nothing left to read and the peer can no longer receive.
		s.closeConn(c, ErrPeerClosed)
	}
}

func (s *Server) handleRead(c *Conn) {
	n, err := s.sys.read(c.fd, s.scratch)
	if err != nil {
		if netfd.IsWouldBlock(err) {
			return
		}
		s.closeConn(c, fmt.Errorf("server: read: %w", err))
		return
	}
	if n == 0 {
		s.peerEOF(c)
		return
	}
	c.lastActive = time.Now()
	s.stats.bytesRead.Add(uint64(n))
	s.opts.observer.BytesRead(n)

	c.inbound = append(c.inbound, s.scratch[:n]...)
	if s.decode(c) {
		s.updateInterest(c)
	}
}

// peerEOF handles an orderly shutdown of the peer's sending side. Queued
// responses are still flushed before the connection closes.
func (s *Server) peerEOF(c *Conn) {
	c.peerClosed = true
	if c.pending() == 0 {
		s.closeConn(c, ErrPeerClosed)
		return
	}
	s.updateInterest(c)
}

// decode drains inbound through the decoder. It reports false if the
// connection was closed.
func (s *Server) decode(c *Conn) bool {
	if len(c.inbound) == 0 {
		return true
	}
	n, err := c.dec.Feed(c.inbound, func(payload []byte) error {
		return s.deliver(c, payload)
	})
	c.consumeInbound(n)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errPause):
		c.readPaused = true
		s.log.Debug().Uint64("conn", uint64(c.id)).Int("pending", c.pending()).Msg("reads paused")
		return true
	case protocol.IsProtocolError(err):
		s.stats.protocolErrors.Add(1)
		s.opts.observer.ProtocolError(protocol.ErrorKind(err))
	}
	s.closeConn(c, err)
	return false
}

func (s *Server) deliver(c *Conn, payload []byte) error {
	s.stats.frames.Add(1)
	s.opts.observer.FrameDecoded(len(payload))

	start := time.Now()
	resp, err := s.handler.HandleFrame(c.id, payload)
	s.opts.observer.HandlerDone(time.Since(start), err != nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	if resp == nil {
		return nil
	}
	c.queue(resp)
	if c.pending() > s.cfg.MaxOutboundBytes {
		return fmt.Errorf("%w: %d bytes queued", ErrOutboundOverflow, c.pending())
	}
	if c.pending() >= s.cfg.HighWatermark {
		return errPause
	}
	return nil
}

func (s *Server) handleWrite(c *Conn) {
	for c.pending() > 0 {
		n, err := s.sys.write(c.fd, c.out[c.woff:])
		if n > 0 {
			c.advance(n)
			c.lastActive = time.Now()
			s.stats.bytesWritten.Add(uint64(n))
			s.opts.observer.BytesWritten(n)
		}
		if err != nil {
			if netfd.IsWouldBlock(err) {
				break
			}
			s.closeConn(c, fmt.Errorf("server: write: %w", err))
			return
		}
		if n == 0 {
			break
		}
	}
	if c.pending() > 0 {
		s.updateInterest(c)
		return
	}

	switch {
	case c.peerClosed:
		s.closeConn(c, ErrPeerClosed)
		return
	case s.draining:
		s.closeConn(c, ErrServerStopped)
		return
	}
	s.updateInterest(c)
}

func (s *Server) updateInterest(c *Conn) {
	if c.closed {
		return
	}
	if c.readPaused && !s.draining && c.pending() <= s.cfg.lowWatermark() {
		c.readPaused = false
		s.log.Debug().Uint64("conn", uint64(c.id)).Int("pending", c.pending()).Msg("reads resumed")
		if !s.decode(c) {
			return
		}
	}
	want := c.wantInterest(s.draining)
	if want == c.interest {
		return
	}
	if err := s.poller.Modify(c.fd, want); err != nil {
		s.closeConn(c, err)
		return
	}
	c.interest = want
}

// closeConn releases c exactly once.
func (s *Server) closeConn(c *Conn, cause error) {
	if c.closed {
		return
	}
	c.closed = true
	if err := s.poller.Deregister(c.fd); err != nil {
		s.log.Debug().Err(err).Int("fd", c.fd).Msg("deregister")
	}
	if err := s.sys.close(c.fd); err != nil {
		s.log.Debug().Err(err).Int("fd", c.fd).Msg("close")
	}
	delete(s.conns, c.fd)
	c.release()

	reason := closeReason(cause)
	s.stats.closed.Add(1)
	s.stats.active.Add(-1)
	s.opts.observer.ConnClosed(string(reason))

	var evt *zerolog.Event
	switch reason {
	case ClosePeer, CloseShutdown, CloseIdle:
		evt = s.log.Debug()
	default:
		evt = s.log.Warn()
	}
	evt.Uint64("conn", uint64(c.id)).
		Str("remote", addrString(c.remote)).
		Str("reason", string(reason)).
		Err(cause).
		Dur("age", time.Since(c.acceptedAt)).
		Msg("connection closed")

	if s.opts.onClose != nil {
		s.opts.onClose(c.id, c.remote, cause)
	}
}

func (s *Server) sweepIdle(now time.Time) {
	if s.cfg.IdleTimeout <= 0 || now.Sub(s.lastSweep) < s.cfg.PollInterval {
		return
	}
	s.lastSweep = now
	for _, c := range s.conns {
		if now.Sub(c.lastActive) >= s.cfg.IdleTimeout {
			s.closeConn(c, fmt.Errorf("%w: inactive for %s", ErrIdleTimeout, now.Sub(c.lastActive).Round(time.Millisecond)))
		}
	}
}

// drain runs Draining -> Stopped: the listener goes first, reads stop, and
// queued output gets GracePeriod to flush.
func (s *Server) drain() error {
	s.draining = true
	s.closeListener()
	s.log.Info().Int("conns", len(s.conns)).Dur("grace", s.cfg.GracePeriod).Msg("draining")

	for _, c := range s.conns {
		if c.pending() == 0 {
			s.closeConn(c, ErrServerStopped)
			continue
		}
		s.updateInterest(c)
	}

	deadline := time.Now().Add(s.cfg.GracePeriod)
	for len(s.conns) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := s.cycle(min(remaining, s.cfg.PollInterval)); err != nil {
			s.teardown(err)
			return err
		}
	}
	s.teardown(fmt.Errorf("%w: grace period elapsed", ErrServerStopped))
	return nil
}

// teardown closes everything still open and moves to Stopped.
func (s *Server) teardown(cause error) {
	s.draining = true
	s.closeListener()
	for _, c := range s.conns {
		s.closeConn(c, cause)
	}
	if s.poller != nil {
		if err := s.poller.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close poller")
		}
	}
	s.state.Store(int32(Stopped))
	if errors.Is(cause, ErrServerStopped) {
		s.log.Info().Msg("stopped")
	} else {
		s.log.Error().Err(cause).Msg("stopped on error")
	}
	close(s.done)
}

func (s *Server) closeListener() {
	if s.lfd < 0 {
		return
	}
	_ = s.poller.Deregister(s.lfd)
	if err := netfd.Close(s.lfd); err != nil {
		s.log.Warn().Err(err).Msg("close listener")
	}
	s.lfd = -1
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
