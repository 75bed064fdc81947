// Package auth provides authentication and authorization for the leadrouter API.
//
// # JWT Tokens
//
// API clients authenticate with HS256 JWTs signed with auth.jwt_secret.
// Tokens carry two claims:
//
//   - sub: who is calling (an operator name or service account)
//   - role: "admin" for distribution and roster changes, anything else is read-only
//
// Mint a token with the CLI:
//
//	leadrouter token --sub ops-bot --role admin
//
// # HTTP Middleware
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
//	adminOnly := auth.RequireAdminHTTP()
//
// When no secret is configured the verifier is nil and every request is
// treated as an admin; this is meant for local development only.
package auth
