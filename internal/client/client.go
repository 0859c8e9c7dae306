// Package client is a blocking framesrv client: one frame out, one frame in.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/framesrv/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed     = errors.New("client: closed")
	ErrDialFailed = errors.New("client: dial failed")
)

// Client is safe for concurrent use. Call holds both directions so a
// request and its response are never interleaved with another Call.
type Client struct {
	cfg  Config
	conn net.Conn

	wmu sync.Mutex
	rmu sync.Mutex
	r   *bufio.Reader
	dec *frame.Decoder

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to addr, retrying with backoff up to cfg.DialAttempts.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	cfg.Limits = cfg.Limits.WithDefaults()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return newClient(conn, cfg), nil
		}
		lastErr = err
		if attempt == cfg.DialAttempts {
			break
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, addr, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrDialFailed, addr, cfg.DialAttempts, lastErr)
}

// New wraps an established connection.
func New(conn net.Conn, cfg Config) *Client {
	cfg.Limits = cfg.Limits.WithDefaults()
	return newClient(conn, cfg)
}

func newClient(conn net.Conn, cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		conn:   conn,
		r:      bufio.NewReader(conn),
		dec:    frame.NewDecoder(cfg.Limits),
		closed: make(chan struct{}),
	}
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Call sends one frame and waits for the next response frame.
func (c *Client) Call(payload []byte) ([]byte, error) {
	c.wmu.Lock()
	c.rmu.Lock()
	defer c.rmu.Unlock()
	defer c.wmu.Unlock()
	if err := c.send(payload); err != nil {
		return nil, err
	}
	return c.recv()
}

func (c *Client) Send(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.send(payload)
}

// Recv blocks for the next frame. It returns io.EOF when the server closed
// the connection between frames.
func (c *Client) Recv() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.recv()
}

func (c *Client) send(payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := frame.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("client: write frame: %w", err)
	}
	return nil
}

func (c *Client) recv() ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if c.cfg.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return nil, err
		}
	}
	return frame.ReadFrame(c.r, c.dec)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
