// Package server wires the leadrouter components into a running service.
//
// # Components
//
// New builds, in order: tracing, the SQLite store, the shared cursor backend
// (memory, sqlite or redis), the agent directory, the bookkeeper, the
// distribution engine, the idempotency cache, the lead service and the HTTP API.
//
// # Listeners
//
// Run listens on server.http_addr, or joins the tailnet with tsnet when
// tailscale.enabled is set (":80", or ":443" with Tailscale certificates).
//
// # Lifecycle
//
//	srv, err := server.New(ctx, cfg, logger)
//	err = srv.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, drains pending bookkeeping writes and then
// closes the store.
package server
