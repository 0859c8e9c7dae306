package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/framesrv/internal/server"
	"github.com/danmuck/framesrv/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	state server.State
	stats server.Stats
}

func (s stubSource) State() server.State { return s.state }
func (s stubSource) Stats() server.Stats { return s.stats }

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, a *Admin, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	a := New(Config{Name: "test"}, stubSource{state: server.Running})

	rr := do(t, a, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	require.Equal(t, "ok", health["status"])
	require.Equal(t, "test", health["server"])

	rr = do(t, a, "/ready", "")
	require.Equal(t, http.StatusOK, rr.Code)

	draining := New(Config{Name: "test"}, stubSource{state: server.Draining})
	rr = do(t, draining, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), `"state":"draining"`)
}

func TestStatsRequiresToken(t *testing.T) {
	testlog.Start(t)
	src := stubSource{state: server.Running, stats: server.Stats{State: "running", Accepted: 3, Frames: 9}}
	a := New(Config{Name: "test", Token: "s3cret"}, src)

	require.Equal(t, http.StatusUnauthorized, do(t, a, "/stats", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, a, "/stats", "wrong").Code)

	rr := do(t, a, "/stats", "s3cret")
	require.Equal(t, http.StatusOK, rr.Code)
	var got server.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, src.stats, got)
}

func TestStatsOpenWithoutToken(t *testing.T) {
	testlog.Start(t)
	a := New(Config{Name: "test"}, stubSource{state: server.Running})
	require.Equal(t, http.StatusOK, do(t, a, "/stats", "").Code)
}

func TestMetricsExposed(t *testing.T) {
	testlog.Start(t)
	a := New(Config{Name: "metrics-test"}, stubSource{state: server.Running})
	do(t, a, "/health", "")
	rr := do(t, a, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "framesrv_admin_requests_total")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	testlog.Start(t)
	a := New(Config{Name: "test"}, stubSource{state: server.Running})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("admin did not shut down")
	}
}
