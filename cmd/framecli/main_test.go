package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/framesrv/internal/handlers"
	"github.com/danmuck/framesrv/internal/server"
	"github.com/danmuck/framesrv/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.PollInterval = 10 * time.Millisecond
	s := server.NewServer(cfg, handlers.Ping())
	require.NoError(t, s.Start())
	errs := make(chan error, 1)
	go func() { errs <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		s.Stop()
		require.NoError(t, <-errs)
	})
	return s.Addr().String()
}

func TestSendPrintsResponses(t *testing.T) {
	testlog.Start(t)
	flags := &globalFlags{addr: startServer(t)}
	cmd := sendCmd(flags)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ping", "hello"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Equal(t, "pong\nhello\n", out.String())
}

func TestBenchReportsFrames(t *testing.T) {
	testlog.Start(t)
	flags := &globalFlags{addr: startServer(t)}
	cmd := benchCmd(flags)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--conns", "4", "--count", "25"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.True(t, strings.HasPrefix(out.String(), "frames=100 errors=0"), out.String())
}
