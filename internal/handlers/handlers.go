// Package handlers holds the built-in frame handlers selectable by name.
package handlers

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/framesrv/internal/server"
)

// Echo returns every payload unchanged.
func Echo() server.Handler {
	return server.HandlerFunc(func(_ server.ConnID, payload []byte) ([]byte, error) {
		return payload, nil
	})
}

var (
	ping = []byte("ping")
	pong = []byte("pong")
)

// Ping answers "ping" with "pong" and echoes anything else.
func Ping() server.Handler {
	return server.HandlerFunc(func(_ server.ConnID, payload []byte) ([]byte, error) {
		if bytes.Equal(payload, ping) {
			return pong, nil
		}
		return payload, nil
	})
}

// Upper returns the payload with ASCII letters upper-cased.
func Upper() server.Handler {
	return server.HandlerFunc(func(_ server.ConnID, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		for i, b := range payload {
			if b >= 'a' && b <= 'z' {
				b -= 'a' - 'A'
			}
			out[i] = b
		}
		return out, nil
	})
}

// Discard accepts every frame and never responds.
func Discard() server.Handler {
	return server.HandlerFunc(func(server.ConnID, []byte) ([]byte, error) {
		return nil, nil
	})
}

var registry = map[string]func() server.Handler{
	"echo":    Echo,
	"ping":    Ping,
	"upper":   Upper,
	"discard": Discard,
}

// ByName returns the built-in handler registered under name.
func ByName(name string) (server.Handler, error) {
	ctor, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(), nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
