// ABOUTME: Tests for the server orchestrator
// ABOUTME: Builds real servers on temporary SQLite databases and drives them over HTTP

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/leadrouter/internal/config"
	"github.com/2389/leadrouter/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: dbPath},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func seedAgents(t *testing.T, s *Server) {
	t.Helper()
	ctx := context.Background()
	for id, name := range map[string]string{"asha": "Asha", "bilal": "Bilal", "chen": "Chen"} {
		require.NoError(t, s.store.UpsertAgent(ctx, &store.Agent{
			ID:          id,
			DisplayName: name,
			Role:        store.RoleSalesAgent,
			Status:      store.AgentStatusActive,
		}))
	}
}

func createLead(t *testing.T, h http.Handler, name string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name})
	req := httptest.NewRequest(http.MethodPost, "/api/leads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		OwnerID string `json:"owner_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.OwnerID
}

func TestNew_MemoryBackend(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "leadrouter.db"))

	s, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	assert.Nil(t, s.redisCursor)
	seedAgents(t, s)

	h := s.Handler()
	assert.Equal(t, "asha", createLead(t, h, "Dana"))
	assert.Equal(t, "bilal", createLead(t, h, "Eli"))

	agent, err := s.store.GetAgent(context.Background(), "asha")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agent.AssignmentCount)
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "leadrouter.db"))
	cfg.Distribution.CursorBackend = "etcd"

	_, err := New(context.Background(), cfg, testLogger())
	assert.ErrorContains(t, err, "unknown cursor backend")
}

func TestNew_WeakSecret(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "leadrouter.db"))
	cfg.Auth.JWTSecret = "short"

	_, err := New(context.Background(), cfg, testLogger())
	assert.ErrorContains(t, err, "creating JWT verifier")
}

func TestNew_AuthEnabled(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "leadrouter.db"))
	cfg.Auth.JWTSecret = "server-test-secret-at-least-32-bytes"

	s, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/api/distribution/state", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSQLiteBackend_ReplicasShareRotation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "leadrouter.db")

	newReplica := func() *Server {
		cfg := testConfig(t, dbPath)
		cfg.Distribution.CursorBackend = config.CursorBackendSQLite
		s, err := New(context.Background(), cfg, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { s.Shutdown(context.Background()) })
		return s
	}

	a := newReplica()
	b := newReplica()
	seedAgents(t, a)

	got := []string{
		createLead(t, a.Handler(), "Dana"),
		createLead(t, b.Handler(), "Eli"),
		createLead(t, a.Handler(), "Fay"),
		createLead(t, b.Handler(), "Gus"),
	}
	assert.Equal(t, []string{"asha", "bilal", "chen", "asha"}, got)
}

func TestReady(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "leadrouter.db"))

	s, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	require.NoError(t, s.ready(context.Background()))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "leadrouter.db"))

	s, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	seedAgents(t, s)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(url+"/api/leads", "application/json", bytes.NewBufferString(`{"name":"Dana"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get(url + "/health")
	assert.Error(t, err, "listener should be closed")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/leadrouter/ts")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/leadrouter/ts", dir)

	t.Setenv("HOME", "/home/ops")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/ops", ".local", "share", "leadrouter", "tailscale"), dir)
}
