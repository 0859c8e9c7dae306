package server

import (
	"net"
	"time"

	"github.com/danmuck/framesrv/internal/poller"
	"github.com/danmuck/framesrv/internal/protocol/frame"
)

// ConnID identifies a connection for the lifetime of its Server. IDs are
// never reused, unlike descriptors.
type ConnID uint64

// Conn is the loop's per-connection state. It is owned by the loop goroutine
// and never shared.
type Conn struct {
	id     ConnID
	fd     int
	remote net.Addr

	// inbound holds bytes read but not yet consumed by the decoder. It is
	// only non-empty while reads are paused mid-batch.
	inbound []byte
	// out[woff:] is queued output not yet accepted by the socket.
	out  []byte
	woff int
	dec  *frame.Decoder

	interest   poller.Interest
	readPaused bool
	peerClosed bool
	closed     bool

	acceptedAt time.Time
	lastActive time.Time
}

func newConn(id ConnID, fd int, remote net.Addr, limits frame.Limits, now time.Time) *Conn {
	return &Conn{
		id:         id,
		fd:         fd,
		remote:     remote,
		dec:        frame.NewDecoder(limits),
		acceptedAt: now,
		lastActive: now,
	}
}

func (c *Conn) pending() int {
	return len(c.out) - c.woff
}

func (c *Conn) queue(payload []byte) {
	if c.woff > 0 && c.woff == len(c.out) {
		c.out = c.out[:0]
		c.woff = 0
	}
	c.out = frame.AppendFrame(c.out, payload)
}

// consumeInbound discards the first n decoded bytes.
func (c *Conn) consumeInbound(n int) {
	if n >= len(c.inbound) {
		c.inbound = c.inbound[:0]
		return
	}
	c.inbound = c.inbound[:copy(c.inbound, c.inbound[n:])]
}

// advance records n written bytes and compacts the buffer once drained or
// once the written prefix dominates it.
func (c *Conn) advance(n int) {
	c.woff += n
	switch {
	case c.woff == len(c.out):
		c.out = c.out[:0]
		c.woff = 0
	case c.woff > len(c.out)/2:
		c.out = c.out[:copy(c.out, c.out[c.woff:])]
		c.woff = 0
	}
}

func (c *Conn) wantInterest(draining bool) poller.Interest {
	var in poller.Interest
	if !c.readPaused && !c.peerClosed && !draining {
		in |= poller.Readable
	}
	if c.pending() > 0 {
		in |= poller.Writable
	}
	return in
}

func (c *Conn) release() {
	c.inbound = nil
	c.out = nil
	c.woff = 0
	c.dec = nil
}
