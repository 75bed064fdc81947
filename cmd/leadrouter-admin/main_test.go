package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/leadrouter/internal/api"
	"github.com/2389/leadrouter/internal/dedupe"
	"github.com/2389/leadrouter/internal/directory"
	"github.com/2389/leadrouter/internal/distribution"
	"github.com/2389/leadrouter/internal/leads"
	"github.com/2389/leadrouter/internal/store"
)

func newTestServer(t *testing.T) (*apiClient, *store.MockStore, *leads.Service) {
	t.Helper()
	color.NoColor = true

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMockStore()
	ms.AddSalesAgent("asha", "Asha")
	ms.AddSalesAgent("bilal", "Bilal")

	dir := directory.New(ms, directory.Config{}, logger)
	engine := distribution.NewEngine(dir, distribution.NewBookkeeper(ms, distribution.BookkeeperConfig{}, logger), distribution.Config{}, logger)
	keys := dedupe.New(time.Minute, 100)
	t.Cleanup(keys.Close)
	svc := leads.NewService(ms, engine, keys, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a := api.New(ctx, api.Deps{Engine: engine, Leads: svc, Roster: ms, Logger: logger})

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return newAPIClient(srv.URL+"/", ""), ms, svc
}

func TestAdminCommands(t *testing.T) {
	c, ms, svc := newTestServer(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, leads.NewLead{Name: "Dana"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, cmdState(ctx, c, nil, &out))
	assert.Contains(t, out.String(), "Current:  Asha (asha)")
	assert.Contains(t, out.String(), "Next:     Bilal (bilal)")

	out.Reset()
	require.NoError(t, cmdStats(ctx, c, nil, &out))
	assert.Contains(t, out.String(), "current")

	out.Reset()
	require.NoError(t, cmdNext(ctx, c, []string{"asha"}, &out))
	assert.Contains(t, out.String(), "asha will receive the next lead")

	err = cmdNext(ctx, c, []string{"ghost"}, &out)
	assert.ErrorContains(t, err, "not in the rotation")

	out.Reset()
	require.NoError(t, cmdAgentAdd(ctx, c, []string{"--id", "chen", "--name", "Chen"}, &out))
	assert.Contains(t, out.String(), "eligible: true")

	require.NoError(t, cmdAgentStatus(ctx, c, []string{"chen", "inactive"}, &out))
	agent, err := ms.GetAgent(ctx, "chen")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusInactive, agent.Status)

	out.Reset()
	require.NoError(t, cmdAgents(ctx, c, nil, &out))
	assert.Contains(t, out.String(), "inactive")

	out.Reset()
	require.NoError(t, cmdAssignments(ctx, c, []string{"--limit", "5"}, &out))
	assert.Contains(t, out.String(), "automatic")

	require.NoError(t, cmdReset(ctx, c, nil, &out))
	agent, err = ms.GetAgent(ctx, "asha")
	require.NoError(t, err)
	assert.Zero(t, agent.AssignmentCount)
}

func TestAdminCommands_Usage(t *testing.T) {
	c, _, _ := newTestServer(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, cmdNext(ctx, c, nil, &out))
	assert.Error(t, cmdAgentStatus(ctx, c, []string{"asha"}, &out))
	assert.Error(t, cmdAgentAdd(ctx, c, []string{"--id", "x"}, &out))

	err := cmdAgentStatus(ctx, c, []string{"asha", "asleep"}, &out)
	assert.ErrorContains(t, err, "status must be active or inactive")
}

func TestAPIClient_SendsToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"admin role required"}`))
	}))
	defer srv.Close()

	c := newAPIClient(srv.URL, "tok")
	err := c.do(context.Background(), http.MethodPost, "/api/distribution/reset", nil, nil)
	assert.ErrorContains(t, err, "admin role required (status 403)")
	assert.Equal(t, "Bearer tok", got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
