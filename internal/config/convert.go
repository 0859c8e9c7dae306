package config

import (
	"github.com/danmuck/framesrv/internal/protocol/frame"
	"github.com/danmuck/framesrv/internal/server"
)

// ServerConfig converts the file form into loop limits, filling defaults.
func (cfg ServerFileConfig) ServerConfig() (server.Config, error) {
	if err := ValidateServerConfig(cfg); err != nil {
		return server.Config{}, err
	}
	poll, _ := parseDuration(cfg.PollInterval)
	idle, _ := parseDuration(cfg.IdleTimeout)
	grace, _ := parseDuration(cfg.GracePeriod)

	out := server.Config{
		Addr:         cfg.Addr,
		Backlog:      cfg.Backlog,
		PollInterval: poll,
		IdleTimeout:  idle,
		GracePeriod:  grace,

		MaxConnections: cfg.MaxConnections,
		Limits: frame.Limits{
			MaxLengthDigits: cfg.MaxLengthDigits,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
		},
		MaxOutboundBytes: cfg.MaxOutboundBytes,
		HighWatermark:    cfg.HighWatermark,
		ReadBufferBytes:  cfg.ReadBufferBytes,
	}.WithDefaults()
	if err := out.Validate(); err != nil {
		return server.Config{}, err
	}
	return out, nil
}
