package frame

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/danmuck/framesrv/internal/protocol"
)

// CRLF terminates both the length field and the payload.
const CRLF = "\r\n"

// maxReserve caps the payload buffer reserved before any payload bytes
// arrive. Larger payloads grow as they are read, and their buffer is
// dropped once emitted.
const maxReserve = 64 * 1024

// State is the decoder's position inside the current frame.
type State uint8

const (
	ReadingLength State = iota
	ReadingLengthDelimiter
	ReadingPayload
	ReadingTrailingDelimiter
)

func (s State) String() string {
	switch s {
	case ReadingLength:
		return "reading_length"
	case ReadingLengthDelimiter:
		return "reading_length_delimiter"
	case ReadingPayload:
		return "reading_payload"
	case ReadingTrailingDelimiter:
		return "reading_trailing_delimiter"
	default:
		return "unknown"
	}
}

// Limits constrains decoder memory use.
type Limits struct {
	MaxLengthDigits int
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxLengthDigits: 10,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.MaxLengthDigits <= 0 {
		l.MaxLengthDigits = def.MaxLengthDigits
	}
	// 19 digits always fit in a uint64.
	if l.MaxLengthDigits > 19 {
		l.MaxLengthDigits = 19
	}
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = def.MaxPayloadBytes
	}
	return l
}

// Decoder incrementally parses frames out of a byte stream. It keeps partial
// progress between Feed calls, so input may be split at any byte boundary.
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	limits  Limits
	state   State
	length  uint64
	digits  int
	delim   int
	payload []byte
	err     error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.WithDefaults()}
}

// State returns the current parse state.
func (d *Decoder) State() State {
	return d.state
}

// Pending reports whether the decoder holds a partially parsed frame.
func (d *Decoder) Pending() bool {
	return d.state != ReadingLength || d.digits > 0
}

// Err returns the sticky protocol error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Reset drops partial state and any sticky error.
func (d *Decoder) Reset() {
	d.state = ReadingLength
	d.length = 0
	d.digits = 0
	d.delim = 0
	d.payload = d.payload[:0]
	d.err = nil
}

// Feed consumes bytes from p and calls emit once per completed frame, in
// order. The payload passed to emit is only valid for the duration of the
// call.
//
// Feed returns the number of bytes consumed. Without errors that is len(p).
// If emit returns an error, Feed stops right after the frame that produced it
// and returns that error unchanged; the decoder stays usable. Protocol errors
// are sticky: every later call returns the same error without consuming.
func (d *Decoder) Feed(p []byte, emit func(payload []byte) error) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	i := 0
	for i < len(p) {
		switch d.state {
		case ReadingLength:
			c := p[i]
			if c >= '0' && c <= '9' {
				if d.digits >= d.limits.MaxLengthDigits {
					return i, d.fail(fmt.Errorf("%w: more than %d digits", protocol.ErrLengthOverflow, d.limits.MaxLengthDigits))
				}
				d.length = d.length*10 + uint64(c-'0')
				d.digits++
				i++
				continue
			}
			if d.digits == 0 {
				return i, d.fail(fmt.Errorf("%w: unexpected byte 0x%02x", protocol.ErrMalformedLength, c))
			}
			d.state = ReadingLengthDelimiter
			d.delim = 0

		case ReadingLengthDelimiter:
			if p[i] != CRLF[d.delim] {
				return i, d.fail(fmt.Errorf("%w: bad length delimiter byte 0x%02x", protocol.ErrMalformedFrame, p[i]))
			}
			i++
			d.delim++
			if d.delim < len(CRLF) {
				continue
			}
			if d.length > d.limits.MaxPayloadBytes {
				return i, d.fail(fmt.Errorf("%w: %d > %d", protocol.ErrPayloadTooLarge, d.length, d.limits.MaxPayloadBytes))
			}
			if reserve := min(d.length, maxReserve); d.payload == nil || uint64(cap(d.payload)) < reserve {
				d.payload = make([]byte, 0, reserve)
			}
			d.payload = d.payload[:0]
			d.delim = 0
			d.state = ReadingPayload

		case ReadingPayload:
			need := int(d.length) - len(d.payload)
			if need > 0 {
				n := len(p) - i
				if n > need {
					n = need
				}
				d.payload = append(d.payload, p[i:i+n]...)
				i += n
				if n < need {
					continue
				}
			}
			d.state = ReadingTrailingDelimiter
			d.delim = 0

		case ReadingTrailingDelimiter:
			if p[i] != CRLF[d.delim] {
				return i, d.fail(fmt.Errorf("%w: bad trailing delimiter byte 0x%02x", protocol.ErrMalformedFrame, p[i]))
			}
			i++
			d.delim++
			if d.delim < len(CRLF) {
				continue
			}
			payload := d.payload
			d.state = ReadingLength
			d.length = 0
			d.digits = 0
			d.delim = 0
			if cap(d.payload) > maxReserve {
				d.payload = nil
			} else {
				d.payload = d.payload[:0]
			}
			if err := emit(payload); err != nil {
				return i, err
			}
		}
	}
	return i, nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	return err
}

// Encode returns the wire form of one payload.
func Encode(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, EncodedLen(len(payload))), payload)
}

// AppendFrame appends the wire form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = strconv.AppendUint(dst, uint64(len(payload)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, payload...)
	return append(dst, CRLF...)
}

// EncodedLen is the wire size of a payload of n bytes.
func EncodedLen(n int) int {
	digits := 1
	for v := n; v >= 10; v /= 10 {
		digits++
	}
	return digits + len(CRLF) + n + len(CRLF)
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

var errFrameDone = errors.New("frame: done")

// ReadFrame blocks until one complete frame is read from r and returns a copy
// of its payload. It drives the same Decoder the server uses, so a reader can
// be reused across calls as long as dec is too.
//
// io.EOF is returned only when the stream ends on a frame boundary; an end of
// stream inside a frame is protocol.ErrTruncated.
func ReadFrame(r *bufio.Reader, dec *Decoder) ([]byte, error) {
	var out []byte
	done := false
	for !done {
		if r.Buffered() == 0 {
			if _, err := r.Peek(1); err != nil {
				if errors.Is(err, io.EOF) && dec.Pending() {
					return nil, fmt.Errorf("%w: stream ended in %s", protocol.ErrTruncated, dec.State())
				}
				return nil, err
			}
		}
		buf, _ := r.Peek(r.Buffered())
		n, err := dec.Feed(buf, func(payload []byte) error {
			out = append(make([]byte, 0, len(payload)), payload...)
			done = true
			return errFrameDone
		})
		if _, derr := r.Discard(n); derr != nil {
			return nil, derr
		}
		if err != nil && !errors.Is(err, errFrameDone) {
			return nil, err
		}
	}
	return out, nil
}
