package protocol

import "errors"

// Protocol errors are always connection-fatal. The framing carries no
// recovery point, so a stream that produced one of these is never resumed.
var (
	ErrMalformedLength = errors.New("protocol: malformed length")
	ErrLengthOverflow  = errors.New("protocol: length overflow")
	ErrMalformedFrame  = errors.New("protocol: malformed frame")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrTruncated       = errors.New("protocol: truncated data")
)

// IsProtocolError reports whether err is one of the framing errors above.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedLength) ||
		errors.Is(err, ErrLengthOverflow) ||
		errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrTruncated)
}

// ErrorKind returns a short stable label for a protocol error, suitable for
// metric labels. Non-protocol errors map to "other".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedLength):
		return "malformed_length"
	case errors.Is(err, ErrLengthOverflow):
		return "length_overflow"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	default:
		return "other"
	}
}
