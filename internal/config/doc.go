// Package config handles configuration loading for leadrouter.
//
// # Configuration File
//
// Default location:
//
//  1. Path from LEADROUTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/leadrouter/config.yaml (~/.config when unset)
//
// Files ending in .toml are parsed as TOML; everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LEADROUTER_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "/var/lib/leadrouter/leadrouter.db"
//
//	distribution:
//	  cursor_backend: "memory"    # memory, sqlite, redis
//	  refresh_timeout: "3s"
//	  cas_attempts: 8
//	  bookkeeping:
//	    async: false
//	    max_retries: 3
//	    retry_backoff: "100ms"
//	  breaker:
//	    max_failures: 5
//	    open_timeout: "30s"
//
//	redis:
//	  addr: "localhost:6379"
//
//	leads:
//	  dedupe_ttl: "10m"
//	  rate_per_minute: 120
//	  burst: 20
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	tracing:
//	  enabled: false
//	  exporter: "stdout"
package config
