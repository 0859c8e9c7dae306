package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ServerFileConfig is the on-disk framesrv configuration. Durations are Go
// duration strings ("250ms", "5s"); empty or zero values fall back to the
// server defaults.
type ServerFileConfig struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	AdminAddr   string   `toml:"admin_addr"`
	AdminToken  string   `toml:"admin_token"`
	CorsOrigins []string `toml:"cors_origins"`
	Handler     string   `toml:"handler"`

	Backlog      int    `toml:"backlog"`
	PollInterval string `toml:"poll_interval"`
	IdleTimeout  string `toml:"idle_timeout"`
	GracePeriod  string `toml:"grace_period"`

	MaxConnections   int    `toml:"max_connections"`
	MaxLengthDigits  int    `toml:"max_length_digits"`
	MaxPayloadBytes  uint64 `toml:"max_payload_bytes"`
	MaxOutboundBytes int    `toml:"max_outbound_bytes"`
	HighWatermark    int    `toml:"high_watermark"`
	ReadBufferBytes  int    `toml:"read_buffer_bytes"`
}

func DefaultServerFileConfig() ServerFileConfig {
	return ServerFileConfig{
		Name:    "framesrv",
		Addr:    "127.0.0.1:7070",
		Handler: "echo",
	}
}

func LoadServerConfig(path string) (ServerFileConfig, error) {
	cfg := DefaultServerFileConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ServerFileConfig{}, err
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerFileConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerFileConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("server config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	if strings.TrimSpace(cfg.Handler) == "" {
		return fmt.Errorf("server config missing handler")
	}
	if cfg.AdminAddr != "" && cfg.AdminAddr == cfg.Addr {
		return fmt.Errorf("admin_addr must differ from addr")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"poll_interval", cfg.PollInterval},
		{"idle_timeout", cfg.IdleTimeout},
		{"grace_period", cfg.GracePeriod},
	} {
		if _, err := parseDuration(field.value); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be >= 0")
	}
	if cfg.MaxLengthDigits < 0 || cfg.MaxLengthDigits > 19 {
		return fmt.Errorf("max_length_digits must be between 0 and 19")
	}
	if cfg.MaxOutboundBytes < 0 || cfg.HighWatermark < 0 || cfg.ReadBufferBytes < 0 {
		return fmt.Errorf("buffer sizes must be >= 0")
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
