package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/maxpert/quorumkeeper/admin"
	"github.com/maxpert/quorumkeeper/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T, config Config) *Server {
	t.Helper()
	config.Address = "127.0.0.1"
	config.Port = 0
	s := New(config)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthzFollowsServingState(t *testing.T) {
	s := startServer(t, Config{})

	status, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "starting\n", body)

	s.SetServing(true)
	status, body = get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)
}

func TestGRPCHealthOnSamePort(t *testing.T) {
	s := startServer(t, Config{})

	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	s.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestOptionalRoutes(t *testing.T) {
	old := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = ""
	t.Cleanup(func() { cfg.Config.Admin.Secret = old })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("quorumkeeper_up 1\n"))
	})

	bare := startServer(t, Config{})
	status, _ := get(t, bare, "/metrics")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = get(t, bare, "/admin/deployments")
	assert.Equal(t, http.StatusNotFound, status)

	full := startServer(t, Config{
		Admin:          admin.NewAdminHandlers(admin.HandlersConfig{}),
		MetricsHandler: metrics,
	})
	status, body := get(t, full, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "quorumkeeper_up")

	status, body = get(t, full, "/admin/deployments")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"data":[]}`, body)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Config{})
	s.Stop()
	assert.Nil(t, s.Addr())

	started := startServer(t, Config{})
	started.Stop()
	started.Stop()
}
