package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "framesrv"
addr = "127.0.0.1:7070"
admin_addr = "127.0.0.1:7071"
admin_token = ""
cors_origins = ["http://localhost:3000"]
handler = "echo"

poll_interval = "100ms"
idle_timeout = "5m"
grace_period = "5s"

max_connections = 10000
max_length_digits = 10
max_payload_bytes = 8388608
max_outbound_bytes = 33554432
high_watermark = 1048576
read_buffer_bytes = 65536
`

const clientTemplate = `addr = "127.0.0.1:7070"
connect_timeout = "5s"
read_timeout = "15s"
write_timeout = "15s"
dial_attempts = 5
max_payload_bytes = 8388608

[backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true
`
