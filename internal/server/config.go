package server

import (
	"fmt"
	"time"

	"github.com/danmuck/framesrv/internal/protocol/frame"
)

// Config holds event loop limits. Zero values mean "use the default" except
// IdleTimeout and MaxConnections, where zero disables the check.
type Config struct {
	Addr    string
	Backlog int

	PollInterval time.Duration
	IdleTimeout  time.Duration
	GracePeriod  time.Duration

	MaxConnections int
	Limits         frame.Limits

	// MaxOutboundBytes caps unwritten output per connection.
	MaxOutboundBytes int
	// HighWatermark pauses reads while unwritten output is at or above it.
	// Reads resume once output drains to half of it.
	HighWatermark   int
	ReadBufferBytes int
}

func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:7070",
		PollInterval:     100 * time.Millisecond,
		GracePeriod:      5 * time.Second,
		Limits:           frame.DefaultLimits(),
		MaxOutboundBytes: 32 * 1024 * 1024,
		HighWatermark:    1024 * 1024,
		ReadBufferBytes:  64 * 1024,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	c.Limits = c.Limits.WithDefaults()
	if c.MaxOutboundBytes <= 0 {
		c.MaxOutboundBytes = def.MaxOutboundBytes
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = def.HighWatermark
		if c.HighWatermark > c.MaxOutboundBytes {
			c.HighWatermark = c.MaxOutboundBytes
		}
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = def.ReadBufferBytes
	}
	return c
}

// Validate checks a config after WithDefaults.
func (c Config) Validate() error {
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max connections must be >= 0", ErrInvalidConfig)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle timeout must be >= 0", ErrInvalidConfig)
	}
	if c.HighWatermark > c.MaxOutboundBytes {
		return fmt.Errorf("%w: high watermark %d exceeds max outbound %d", ErrInvalidConfig, c.HighWatermark, c.MaxOutboundBytes)
	}
	return nil
}

func (c Config) lowWatermark() int {
	return c.HighWatermark / 2
}
