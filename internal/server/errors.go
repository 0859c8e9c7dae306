package server

import (
	"errors"
	"fmt"

	"github.com/danmuck/framesrv/internal/protocol"
)

var (
	ErrLifecycleOrder   = errors.New("server: invalid lifecycle transition")
	ErrInvalidConfig    = errors.New("server: invalid config")
	ErrListenerFailed   = errors.New("server: listener failed")
	ErrServerStopped    = errors.New("server: stopped")
	ErrPeerClosed       = errors.New("server: peer closed connection")
	ErrIdleTimeout      = errors.New("server: connection idle")
	ErrOutboundOverflow = errors.New("server: outbound buffer overflow")
	ErrHandler          = errors.New("server: handler failed")
)

// errPause stops the decoder while outbound is above the high watermark.
var errPause = errors.New("server: read paused")

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}

// CloseReason is the low-cardinality label for why a connection closed.
type CloseReason string

const (
	ClosePeer     CloseReason = "peer"
	CloseProtocol CloseReason = "protocol"
	CloseIdle     CloseReason = "idle"
	CloseOverflow CloseReason = "overflow"
	CloseHandler  CloseReason = "handler"
	CloseShutdown CloseReason = "shutdown"
	CloseIO       CloseReason = "io"
)

func closeReason(cause error) CloseReason {
	switch {
	case cause == nil, errors.Is(cause, ErrPeerClosed):
		return ClosePeer
	case protocol.IsProtocolError(cause):
		return CloseProtocol
	case errors.Is(cause, ErrIdleTimeout):
		return CloseIdle
	case errors.Is(cause, ErrOutboundOverflow):
		return CloseOverflow
	case errors.Is(cause, ErrHandler):
		return CloseHandler
	case errors.Is(cause, ErrServerStopped):
		return CloseShutdown
	default:
		return CloseIO
	}
}
