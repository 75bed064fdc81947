// ABOUTME: Entry point for the leadrouter lead distribution server
// ABOUTME: Provides serve, init, token and health commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/leadrouter/internal/auth"
	"github.com/2389/leadrouter/internal/config"
	"github.com/2389/leadrouter/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                _                 _
 | | ___  __ _  __| |_ __ ___  _   _| |_ ___ _ __
 | |/ _ \/ _' |/ _' | '__/ _ \| | | | __/ _ \ '__|
 | |  __/ (_| | (_| | | | (_) | |_| | ||  __/ |
 |_|\___|\__,_|\__,_|_|  \___/ \__,_|\__\___|_|
`

// getDataPath returns the leadrouter data directory.
// Priority: XDG_DATA_HOME/leadrouter > ~/.local/share/leadrouter
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "leadrouter")
}

func usage() {
	fmt.Println("Usage: leadrouter <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the lead distribution server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  token --sub NAME [--role R] [--ttl D]  Mint an API token (role: admin|operator)")
	fmt.Println("  health                             Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Cursor:    %s\n", cfg.Distribution.CursorBackend)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled (no jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting leadrouter",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"cursor_backend", cfg.Distribution.CursorBackend,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	fmt.Println("ready")
	return nil
}

// runToken mints a JWT signed with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject (who the token is for)")
	role := fs.String("role", auth.RoleOperator, "token role: admin or operator")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*sub) == "" {
		return fmt.Errorf("--sub flag is required")
	}
	if *role != auth.RoleAdmin && *role != auth.RoleOperator {
		return fmt.Errorf("--role must be %q or %q", auth.RoleAdmin, auth.RoleOperator)
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*sub, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("leadrouter configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "leadrouter.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "leadrouter")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = yes(prompt(reader, "Serve HTTPS with Tailscale certs?", "no"))
	}

	fmt.Println("\n--- Distribution Configuration ---")
	backend := prompt(reader, "Cursor backend (memory/sqlite/redis)", config.CursorBackendMemory)
	var redisAddr string
	if backend == config.CursorBackendRedis {
		redisAddr = prompt(reader, "Redis address", "127.0.0.1:6379")
	}

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if yes(prompt(reader, "Require API tokens?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		jwtSecret = secret
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# leadrouter configuration\n")
	cfg.WriteString("# Generated by leadrouter init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	cfg.WriteString("  shutdown_timeout: \"10s\"\n\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  https: %t\n", tsHTTPS)
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", jwtSecret)

	cfg.WriteString("distribution:\n")
	fmt.Fprintf(&cfg, "  cursor_backend: %q\n", backend)
	cfg.WriteString("  refresh_timeout: \"3s\"\n")
	cfg.WriteString("  cas_attempts: 8\n")
	cfg.WriteString("  bookkeeping:\n")
	cfg.WriteString("    async: false\n")
	cfg.WriteString("    max_retries: 3\n")
	cfg.WriteString("    retry_backoff: \"100ms\"\n")
	cfg.WriteString("  breaker:\n")
	cfg.WriteString("    max_failures: 5\n")
	cfg.WriteString("    open_timeout: \"30s\"\n\n")

	if redisAddr != "" {
		cfg.WriteString("redis:\n")
		fmt.Fprintf(&cfg, "  addr: %q\n", redisAddr)
		cfg.WriteString("  password: \"${LEADROUTER_REDIS_PASSWORD}\"\n\n")
	}

	cfg.WriteString("leads:\n")
	cfg.WriteString("  dedupe_ttl: \"10m\"\n")
	cfg.WriteString("  rate_per_minute: 120\n")
	cfg.WriteString("  burst: 20\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("tracing:\n")
	cfg.WriteString("  enabled: false\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the JWT secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  leadrouter serve")
	if jwtSecret != "" {
		fmt.Println("  leadrouter token --sub you --role admin > ~/.config/leadrouter/token")
	}
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
