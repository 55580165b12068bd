// ABOUTME: Server lifecycle tests covering startup, shutdown, and realtime gating
// ABOUTME: Uses real listeners on loopback with ephemeral ports

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krapi/krapi-server/internal/config"
)

func TestRun_GracefulShutdownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.DataDir = t.TempDir()
	cfg.Admin.Password = testAdminPassword

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	srv, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the listener a moment, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestRealtimeEndpointRequiresToken(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/realtime")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/realtime?token=st_bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNew_BootstrapsControlPlane(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DataDir = t.TempDir()
	cfg.Admin.Password = testAdminPassword

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	srv, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer srv.manager.CloseAll()

	require.FileExists(t, srv.manager.ControlPlanePath())

	count, err := srv.controlCP.CountAdmins(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
