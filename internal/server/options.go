package server

import (
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler is invoked once per decoded frame on the loop goroutine. The
// payload is only valid during the call. A non-nil response is framed and
// queued for the same connection before HandleFrame's caller returns, so it
// may alias payload. An error closes the connection.
// Handlers must not block.
type Handler interface {
	HandleFrame(id ConnID, payload []byte) ([]byte, error)
}

type HandlerFunc func(id ConnID, payload []byte) ([]byte, error)

func (f HandlerFunc) HandleFrame(id ConnID, payload []byte) ([]byte, error) {
	return f(id, payload)
}

// ConnectFunc returns false to refuse a freshly accepted connection.
type ConnectFunc func(id ConnID, remote net.Addr) bool

// CloseFunc observes every connection close exactly once.
type CloseFunc func(id ConnID, remote net.Addr, cause error)

type Option func(*options)

type options struct {
	onConnect ConnectFunc
	onClose   CloseFunc
	observer  Observer
	logger    zerolog.Logger
}

func defaultOptions() options {
	return options{
		observer: nopObserver{},
		logger:   log.Logger,
	}
}

func OnConnect(fn ConnectFunc) Option {
	return func(o *options) {
		o.onConnect = fn
	}
}

func OnClose(fn CloseFunc) Option {
	return func(o *options) {
		o.onClose = fn
	}
}

// WithObserver records loop activity, typically into metrics.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
