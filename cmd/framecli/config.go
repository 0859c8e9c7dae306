package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framesrv/internal/client"
)

const defaultAddr = "127.0.0.1:7070"

type backoffFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type fileConfig struct {
	Addr            string      `toml:"addr"`
	ConnectTimeout  string      `toml:"connect_timeout"`
	ReadTimeout     string      `toml:"read_timeout"`
	WriteTimeout    string      `toml:"write_timeout"`
	DialAttempts    int         `toml:"dial_attempts"`
	MaxPayloadBytes uint64      `toml:"max_payload_bytes"`
	Backoff         backoffFile `toml:"backoff"`
}

type profile struct {
	Addr   string
	Client client.Config
}

func defaultProfile() profile {
	return profile{Addr: defaultAddr, Client: client.DefaultConfig()}
}

func loadProfile(path string) (profile, error) {
	p := defaultProfile()
	if path == "" {
		return p, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return profile{}, fmt.Errorf("load client profile: %w", err)
	}

	if meta.IsDefined("addr") {
		if addr := strings.TrimSpace(raw.Addr); addr != "" {
			p.Addr = addr
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &p.Client.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &p.Client.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &p.Client.WriteTimeout},
		{"backoff.initial_delay", raw.Backoff.InitialDelay, &p.Client.Backoff.InitialDelay},
		{"backoff.max_delay", raw.Backoff.MaxDelay, &p.Client.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return profile{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("dial_attempts") {
		if raw.DialAttempts < 1 {
			return profile{}, fmt.Errorf("dial_attempts must be >= 1")
		}
		p.Client.DialAttempts = raw.DialAttempts
	}
	if meta.IsDefined("max_payload_bytes") {
		p.Client.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("backoff", "multiplier") {
		p.Client.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		p.Client.Backoff.Jitter = raw.Backoff.Jitter
	}

	return p, nil
}
